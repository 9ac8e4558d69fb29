// Package prompt renders conflict cases into provider-agnostic message
// sequences and keeps the durable message log.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/disambench/internal/model"
)

// Style selects the prompt framing.
type Style string

const (
	// StyleChat renders a system turn followed by one user turn.
	StyleChat Style = "chat"
	// StyleCompletion renders one flattened block with role headings.
	StyleCompletion Style = "completion"
)

// ParseStyle accepts "chat", "completion" and the legacy alias "flattened".
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "":
		return StyleChat, nil
	case "completion", "flattened":
		return StyleCompletion, nil
	}
	return "", eris.Errorf("prompt: unknown style %q", s)
}

// CharsPerToken is the ratio used to estimate prompt size.
const CharsPerToken = 4

// RenderError means a case cannot be rendered. The case is skipped.
type RenderError struct {
	CaseID string
	Reason string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("prompt: case %s: %s", e.CaseID, e.Reason)
}

// EntrySource resolves entry ids.
type EntrySource interface {
	Lookup(id string) (model.Entry, bool)
}

// Page is fetched text for one entry URL, attached to a case as rendering
// context.
type Page struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Builder renders cases. It performs no I/O and is safe for concurrent use.
type Builder struct {
	src       EntrySource
	tmpl      *Templates
	maxTokens int
}

// Option configures a Builder.
type Option func(*Builder)

// WithTemplates overrides the embedded instruction texts.
func WithTemplates(t *Templates) Option {
	return func(b *Builder) { b.tmpl = t }
}

// WithMaxTokens sets the estimated token budget of a rendered prompt.
// Zero disables the check.
func WithMaxTokens(n int) Option {
	return func(b *Builder) { b.maxTokens = n }
}

// NewBuilder creates a Builder over src.
func NewBuilder(src EntrySource, opts ...Option) (*Builder, error) {
	b := &Builder{src: src}
	for _, o := range opts {
		o(b)
	}
	if b.tmpl == nil {
		t, err := DefaultTemplates()
		if err != nil {
			return nil, err
		}
		b.tmpl = t
	}
	return b, nil
}

// Render renders a case without enrichment context.
func (b *Builder) Render(c model.ConflictCase, style Style) (model.MessageSequence, error) {
	return b.RenderWithContext(c, style, nil)
}

// RenderWithContext renders a case, appending the given pages verbatim after
// the two entries. Identical input always yields byte-identical output.
func (b *Builder) RenderWithContext(c model.ConflictCase, style Style, pages []Page) (model.MessageSequence, error) {
	a, err := b.entry(c, c.EntryA)
	if err != nil {
		return model.MessageSequence{}, err
	}
	bEntry, err := b.entry(c, c.EntryB)
	if err != nil {
		return model.MessageSequence{}, err
	}

	system, err := b.tmpl.renderSystem()
	if err != nil {
		return model.MessageSequence{}, err
	}
	user, err := b.userTurn(a, bEntry, pages)
	if err != nil {
		return model.MessageSequence{}, err
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}
	switch style {
	case StyleChat:
	case StyleCompletion:
		messages = []model.Message{{Role: model.RoleUser, Content: Flatten(messages)}}
	default:
		return model.MessageSequence{}, &RenderError{CaseID: c.ID, Reason: fmt.Sprintf("unknown style %q", style)}
	}

	if b.maxTokens > 0 {
		if n := EstimateTokens(messages); n > b.maxTokens {
			return model.MessageSequence{}, &RenderError{
				CaseID: c.ID,
				Reason: fmt.Sprintf("prompt needs ~%d tokens, budget is %d", n, b.maxTokens),
			}
		}
	}

	return model.MessageSequence{CaseID: c.ID, Style: string(style), Messages: messages}, nil
}

func (b *Builder) entry(c model.ConflictCase, id string) (model.Entry, error) {
	e, ok := b.src.Lookup(id)
	if !ok {
		return model.Entry{}, &RenderError{CaseID: c.ID, Reason: fmt.Sprintf("entry %q not found", id)}
	}
	if !e.HasText() {
		return model.Entry{}, &RenderError{CaseID: c.ID, Reason: fmt.Sprintf("entry %q has neither name nor description", id)}
	}
	return e, nil
}

func (b *Builder) userTurn(a, other model.Entry, pages []Page) (string, error) {
	var sb strings.Builder
	for _, part := range []struct {
		preamble string
		entry    model.Entry
	}{
		{b.tmpl.firstEntry, a},
		{b.tmpl.secondEntry, other},
	} {
		body, err := renderEntry(part.entry)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s:\n```json\n%s\n```\n\n", part.preamble, body)
	}

	for _, p := range pages {
		text := strings.TrimSpace(norm.NFC.String(p.Text))
		if text == "" {
			continue
		}
		header, err := b.tmpl.renderContextHeader(p.URL)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s:\n```\n%s\n```\n\n", header, text)
	}

	sb.WriteString(b.tmpl.final)
	return sb.String(), nil
}

// entryView fixes the field order of a rendered entry.
type entryView struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Description []string           `json:"description,omitempty"`
	Repository  []model.Repository `json:"repository,omitempty"`
	Webpage     []string           `json:"webpage,omitempty"`
	License     []model.License    `json:"license,omitempty"`
	Authors     []model.Author     `json:"authors,omitempty"`
	Publication []json.RawMessage  `json:"publication,omitempty"`
	Source      []string           `json:"source,omitempty"`
}

func renderEntry(e model.Entry) (string, error) {
	v := entryView{
		ID:          e.ID,
		Name:        nfc(e.Name),
		Description: nfcAll(e.Description),
		Webpage:     nfcAll(e.Webpage),
		Source:      nfcAll(e.Source),
	}
	for _, r := range e.Repository {
		v.Repository = append(v.Repository, model.Repository{URL: nfc(r.URL), Kind: r.Kind})
	}
	for _, l := range e.License {
		v.License = append(v.License, model.License{Name: nfc(l.Name), URL: nfc(l.URL)})
	}
	for _, a := range e.Authors {
		v.Authors = append(v.Authors, model.Author{Name: nfc(a.Name), Email: a.Email, Type: a.Type})
	}
	for _, p := range e.Publication {
		v.Publication = append(v.Publication, norm.NFC.Bytes(p))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", eris.Wrapf(err, "prompt: encode entry %s", e.ID)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func nfc(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func nfcAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = nfc(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var roleHeadings = map[string]string{
	model.RoleSystem:    "### System",
	model.RoleUser:      "### User",
	model.RoleAssistant: "### Assistant",
}

// Flatten joins chat turns into one instruction block with role headings and
// a trailing assistant heading.
func Flatten(messages []model.Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		heading, ok := roleHeadings[m.Role]
		if !ok && m.Role != "" {
			heading = "### " + strings.ToUpper(m.Role[:1]) + m.Role[1:]
		}
		parts = append(parts, heading+"\n"+strings.TrimSpace(m.Content))
	}
	parts = append(parts, roleHeadings[model.RoleAssistant])
	return strings.Join(parts, "\n\n")
}

// EstimateTokens approximates the token count of messages.
func EstimateTokens(messages []model.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}
