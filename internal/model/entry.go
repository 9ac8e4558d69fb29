package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Repository is a source-code location attached to an entry.
type Repository struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"` // "github", "gitlab", "bitbucket", ...
}

// License names a license declared by an entry.
type License struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Author is a person or organisation credited by an entry.
type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Entry is one research-software metadata record produced by the upstream
// integration pipeline. Entries are immutable once loaded.
type Entry struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description []string          `json:"description,omitempty"`
	Repository  []Repository      `json:"repository,omitempty"`
	Webpage     []string          `json:"webpage,omitempty"`
	License     []License         `json:"license,omitempty"`
	Authors     []Author          `json:"authors,omitempty"`
	Publication []json.RawMessage `json:"publication,omitempty"`
	Source      []string          `json:"source,omitempty"`
}

// HasText reports whether the entry carries enough text to be compared.
func (e Entry) HasText() bool {
	if strings.TrimSpace(e.Name) != "" {
		return true
	}
	for _, d := range e.Description {
		if strings.TrimSpace(d) != "" {
			return true
		}
	}
	return false
}

// URLs returns every webpage and repository URL of the entry, in order,
// without blanks or duplicates.
func (e Entry) URLs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, w := range e.Webpage {
		add(w)
	}
	for _, r := range e.Repository {
		add(r.URL)
	}
	return out
}

// Equal reports whether two entries carry identical field values.
func (e Entry) Equal(o Entry) bool {
	a, errA := json.Marshal(e)
	b, errB := json.Marshal(o)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// entryData mirrors the "data" object of an upstream instance. Upstream
// fields are loosely typed: scalars and lists are both accepted.
type entryData struct {
	Name        flexString        `json:"name"`
	Description flexStrings       `json:"description"`
	Repository  flexRepositories  `json:"repository"`
	Webpage     flexStrings       `json:"webpage"`
	License     flexLicenses      `json:"license"`
	Authors     flexAuthors       `json:"authors"`
	Publication []json.RawMessage `json:"publication"`
	Source      flexStrings       `json:"source"`
}

// Instance is the upstream wire shape of an entry: {"_id": ..., "data": {...}}.
type Instance struct {
	ID   string          `json:"_id"`
	Data json.RawMessage `json:"data"`
}

// DecodeInstance converts an upstream instance into an Entry.
func DecodeInstance(in Instance) (Entry, error) {
	e := Entry{ID: strings.TrimSpace(in.ID)}
	if len(bytes.TrimSpace(in.Data)) == 0 || bytes.Equal(bytes.TrimSpace(in.Data), []byte("null")) {
		return e, nil
	}
	var d entryData
	if err := json.Unmarshal(in.Data, &d); err != nil {
		return Entry{}, err
	}
	e.Name = strings.TrimSpace(string(d.Name))
	e.Description = []string(d.Description)
	e.Repository = []Repository(d.Repository)
	e.Webpage = []string(d.Webpage)
	e.License = []License(d.License)
	e.Authors = []Author(d.Authors)
	e.Source = []string(d.Source)
	for _, p := range d.Publication {
		var buf bytes.Buffer
		if err := json.Compact(&buf, p); err != nil {
			return Entry{}, err
		}
		e.Publication = append(e.Publication, json.RawMessage(buf.Bytes()))
	}
	return e, nil
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var list flexStrings
	if err := list.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = flexString(strings.Join(list, " "))
	return nil
}

type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	if b[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			var s flexStrings
			if err := s.UnmarshalJSON(r); err != nil {
				return err
			}
			out = append(out, s...)
		}
		*f = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Numbers and objects are kept as their JSON text.
		s = string(b)
	}
	if s = strings.TrimSpace(s); s == "" {
		*f = nil
		return nil
	}
	*f = []string{s}
	return nil
}

type flexRepositories []Repository

func (f *flexRepositories) UnmarshalJSON(b []byte) error {
	items, err := splitList(b)
	if err != nil {
		return err
	}
	out := make([]Repository, 0, len(items))
	for _, it := range items {
		if it[0] == '"' {
			var u string
			if err := json.Unmarshal(it, &u); err != nil {
				return err
			}
			out = append(out, Repository{URL: strings.TrimSpace(u)})
			continue
		}
		var r Repository
		if err := json.Unmarshal(it, &r); err != nil {
			return err
		}
		r.URL = strings.TrimSpace(r.URL)
		out = append(out, r)
	}
	*f = out
	return nil
}

type flexLicenses []License

func (f *flexLicenses) UnmarshalJSON(b []byte) error {
	items, err := splitList(b)
	if err != nil {
		return err
	}
	out := make([]License, 0, len(items))
	for _, it := range items {
		if it[0] == '"' {
			var n string
			if err := json.Unmarshal(it, &n); err != nil {
				return err
			}
			out = append(out, License{Name: n})
			continue
		}
		var l License
		if err := json.Unmarshal(it, &l); err != nil {
			return err
		}
		out = append(out, l)
	}
	*f = out
	return nil
}

type flexAuthors []Author

func (f *flexAuthors) UnmarshalJSON(b []byte) error {
	items, err := splitList(b)
	if err != nil {
		return err
	}
	out := make([]Author, 0, len(items))
	for _, it := range items {
		if it[0] == '"' {
			var n string
			if err := json.Unmarshal(it, &n); err != nil {
				return err
			}
			out = append(out, Author{Name: n})
			continue
		}
		var a Author
		if err := json.Unmarshal(it, &a); err != nil {
			return err
		}
		out = append(out, a)
	}
	*f = out
	return nil
}

// splitList accepts a JSON list or a single value and returns the non-null
// elements.
func splitList(b []byte) ([]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if b[0] == '[' {
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, err
		}
	} else {
		items = []json.RawMessage{b}
	}
	out := items[:0]
	for _, it := range items {
		it = bytes.TrimSpace(it)
		if len(it) == 0 || bytes.Equal(it, []byte("null")) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
