// Package results persists provider responses: one raw artifact per attempt
// and one JSONL record per (case, model, provider) outcome.
package results

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Attempt is everything observed for one provider call.
type Attempt struct {
	CaseID     string
	Number     int // 1-based attempt within one submission
	Provider   string
	Model      string
	Style      string
	StatusCode int
	RequestID  string
	Body       []byte
	Error      string
	Latency    time.Duration
	Timestamp  time.Time
}

// Meta is the sidecar written next to every raw body.
type Meta struct {
	CaseID     string    `json:"case_id"`
	Seq        int       `json:"seq"`
	Attempt    int       `json:"attempt"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Style      string    `json:"style,omitempty"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	BodyFile   string    `json:"body_file"`
}

var (
	unsafeSlugChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	attemptFile     = regexp.MustCompile(`^attempt-(\d+)\.meta\.json$`)
)

// RawStore writes raw provider responses under one directory per case.
// Files are never overwritten.
type RawStore struct {
	dir string
	mu  sync.Mutex
}

// NewRawStore creates the root directory when needed.
func NewRawStore(dir string) (*RawStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "results: create raw dir %s", dir)
	}
	return &RawStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *RawStore) Dir() string { return s.dir }

// CaseSlug maps a case id to a directory name. Ids that need escaping get a
// short hash suffix so distinct ids never share a directory.
func CaseSlug(caseID string) string {
	slug := unsafeSlugChars.ReplaceAllString(caseID, "_")
	if slug == caseID && slug != "" && slug != "." && slug != ".." {
		return slug
	}
	sum := sha256.Sum256([]byte(caseID))
	return strings.Trim(slug, ".") + "-" + hex.EncodeToString(sum[:4])
}

// Write persists the body and its meta sidecar and returns the reference
// of the body relative to the store root. The body is written first.
func (s *RawStore) Write(a Attempt) (string, error) {
	if a.CaseID == "" {
		return "", eris.New("results: raw write without case id")
	}
	slug := CaseSlug(a.CaseID)
	caseDir := filepath.Join(s.dir, slug)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "results: create case dir for %s", a.CaseID)
	}
	seq, err := nextSeq(caseDir)
	if err != nil {
		return "", eris.Wrapf(err, "results: scan %s", caseDir)
	}

	for {
		bodyName := fmt.Sprintf("attempt-%03d.json", seq)
		err := writeNoClobber(caseDir, bodyName, a.Body)
		if errors.Is(err, os.ErrExist) {
			seq++
			continue
		}
		if err != nil {
			return "", eris.Wrapf(err, "results: write raw body for %s", a.CaseID)
		}

		meta := Meta{
			CaseID:     a.CaseID,
			Seq:        seq,
			Attempt:    a.Number,
			Provider:   a.Provider,
			Model:      a.Model,
			Style:      a.Style,
			StatusCode: a.StatusCode,
			RequestID:  a.RequestID,
			LatencyMS:  a.Latency.Milliseconds(),
			Timestamp:  a.Timestamp.UTC(),
			Error:      a.Error,
			BodyFile:   bodyName,
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return "", eris.Wrap(err, "results: marshal meta")
		}
		if err := writeNoClobber(caseDir, fmt.Sprintf("attempt-%03d.meta.json", seq), data); err != nil {
			return "", eris.Wrapf(err, "results: write raw meta for %s", a.CaseID)
		}
		syncDir(caseDir)
		return filepath.ToSlash(filepath.Join(slug, bodyName)), nil
	}
}

// Exists reports whether a reference returned by Write is on disk.
func (s *RawStore) Exists(ref string) bool {
	if ref == "" {
		return false
	}
	fi, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(ref)))
	return err == nil && fi.Mode().IsRegular()
}

// Walk visits every stored attempt, case directories in name order and
// attempts in sequence order.
func (s *RawStore) Walk(fn func(ref string, meta Meta, body []byte) error) error {
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return eris.Wrapf(err, "results: read raw dir %s", s.dir)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		caseDir := filepath.Join(s.dir, d.Name())
		seqs, err := listSeqs(caseDir)
		if err != nil {
			return eris.Wrapf(err, "results: scan %s", caseDir)
		}
		for _, seq := range seqs {
			metaPath := filepath.Join(caseDir, fmt.Sprintf("attempt-%03d.meta.json", seq))
			data, err := os.ReadFile(metaPath)
			if err != nil {
				return eris.Wrapf(err, "results: read %s", metaPath)
			}
			var meta Meta
			if err := json.Unmarshal(data, &meta); err != nil {
				return eris.Wrapf(err, "results: decode %s", metaPath)
			}
			if meta.BodyFile == "" {
				meta.BodyFile = fmt.Sprintf("attempt-%03d.json", seq)
			}
			body, err := os.ReadFile(filepath.Join(caseDir, meta.BodyFile))
			if err != nil {
				return eris.Wrapf(err, "results: read body of %s", metaPath)
			}
			ref := filepath.ToSlash(filepath.Join(d.Name(), meta.BodyFile))
			if err := fn(ref, meta, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func listSeqs(caseDir string) ([]int, error) {
	entries, err := os.ReadDir(caseDir)
	if err != nil {
		return nil, err
	}
	var seqs []int
	for _, e := range entries {
		m := attemptFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func nextSeq(caseDir string) (int, error) {
	seqs, err := listSeqs(caseDir)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 1, nil
	}
	return seqs[len(seqs)-1] + 1, nil
}

// writeNoClobber writes data to a temp file in dir, fsyncs it and links it
// to name. os.Link fails with os.ErrExist when name is taken.
func writeNoClobber(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, filepath.Join(dir, name))
}

// syncDir flushes directory entries; failures are ignored on platforms that
// cannot fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
