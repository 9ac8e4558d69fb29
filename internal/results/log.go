package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
)

// ErrRawMissing is returned by Append when the raw artifact a result points
// at has not been persisted.
var ErrRawMissing = errors.New("results: raw artifact missing")

// RawChecker confirms a raw artifact exists before its result is logged.
type RawChecker interface {
	Exists(ref string) bool
}

// Log is the append-only results file. It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	raw    RawChecker
	solved map[string]bool
}

// OpenLog opens (or creates) the results file and indexes the triples that
// already hold a decision.
func OpenLog(path string, raw RawChecker) (*Log, error) {
	existing, err := ReadLog(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "results: create dir for %s", path)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "results: open %s", path)
	}

	l := &Log{path: path, f: f, raw: raw, solved: make(map[string]bool)}
	for _, r := range existing {
		if r.Succeeded() {
			l.solved[model.TripleKey(r.CaseID, r.Model, r.Provider)] = true
		}
	}
	return l, nil
}

// Append writes one record and fsyncs. The record's raw reference must
// resolve in the raw store.
func (l *Log) Append(r model.InferenceResult) error {
	if l.raw != nil && !l.raw.Exists(r.RawRef) {
		return eris.Wrapf(ErrRawMissing, "results: case %s ref %q", r.CaseID, r.RawRef)
	}
	line, err := json.Marshal(r)
	if err != nil {
		return eris.Wrapf(err, "results: marshal case %s", r.CaseID)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(line); err != nil {
		return eris.Wrapf(err, "results: append case %s", r.CaseID)
	}
	if err := l.f.Sync(); err != nil {
		return eris.Wrapf(err, "results: sync %s", l.path)
	}
	if r.Succeeded() {
		l.solved[model.TripleKey(r.CaseID, r.Model, r.Provider)] = true
	}
	return nil
}

// IsSolved reports whether the triple already holds a decision.
func (l *Log) IsSolved(caseID, modelName, provider string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.solved[model.TripleKey(caseID, modelName, provider)]
}

// Solved returns a copy of the solved triple keys.
func (l *Log) Solved() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.solved))
	for k := range l.solved {
		out[k] = true
	}
	return out
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLog reads every record of a results file. Malformed lines are logged
// and skipped.
func ReadLog(path string) ([]model.InferenceResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "results: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var out []model.InferenceResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r model.InferenceResult
		if err := json.Unmarshal(line, &r); err != nil || r.CaseID == "" {
			zap.L().Warn("results: skipping malformed line",
				zap.String("path", path), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "results: scan %s", path)
	}
	return out, nil
}

// Latest keeps the last record per triple, in order of first appearance.
func Latest(records []model.InferenceResult) []model.InferenceResult {
	idx := make(map[string]int)
	var out []model.InferenceResult
	for _, r := range records {
		key := model.TripleKey(r.CaseID, r.Model, r.Provider)
		if i, ok := idx[key]; ok {
			out[i] = r
			continue
		}
		idx[key] = len(out)
		out = append(out, r)
	}
	return out
}

// ParseFunc turns one stored attempt back into a result record.
type ParseFunc func(meta Meta, body []byte) model.InferenceResult

// Rebuild replays the raw store into result records, one per triple, where
// the last attempt wins. Records come back sorted by case id.
func Rebuild(raw *RawStore, parse ParseFunc) ([]model.InferenceResult, error) {
	var all []model.InferenceResult
	err := raw.Walk(func(ref string, meta Meta, body []byte) error {
		r := parse(meta, body)
		r.RawRef = ref
		if r.CaseID == "" {
			r.CaseID = meta.CaseID
		}
		all = append(all, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := Latest(all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

// WriteAll replaces path with the given records.
func WriteAll(path string, records []model.InferenceResult) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return eris.Wrapf(err, "results: marshal case %s", r.CaseID)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "results: create dir for %s", path)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "results: temp file for %s", path)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "results: write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "results: sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "results: close %s", path)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), path), "results: replace %s", path)
}
