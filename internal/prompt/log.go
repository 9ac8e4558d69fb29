package prompt

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
)

// maxLineBytes bounds one JSONL line; rendered prompts with enrichment can be
// large.
const maxLineBytes = 64 << 20

// Record is one line of the message log.
type Record struct {
	CaseID   string          `json:"case_id"`
	Label    model.Label     `json:"label,omitempty"`
	EntryA   string          `json:"entry_a,omitempty"`
	EntryB   string          `json:"entry_b,omitempty"`
	Style    string          `json:"style"`
	Messages []model.Message `json:"messages"`
}

// NewRecord pairs a rendered sequence with its case.
func NewRecord(c model.ConflictCase, seq model.MessageSequence) Record {
	return Record{
		CaseID:   c.ID,
		Label:    c.Label,
		EntryA:   c.EntryA,
		EntryB:   c.EntryB,
		Style:    seq.Style,
		Messages: seq.Messages,
	}
}

// Sequence returns the message sequence of the record.
func (r Record) Sequence() model.MessageSequence {
	return model.MessageSequence{CaseID: r.CaseID, Style: r.Style, Messages: r.Messages}
}

// Log is the append-only message log. Appending an id that is already
// present is a no-op.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	ids  map[string]bool
}

// OpenLog opens (or creates) the log at path and indexes the ids it holds.
func OpenLog(path string) (*Log, error) {
	existing, err := ReadLog(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "prompt: create log dir")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "prompt: open log")
	}

	ids := make(map[string]bool, len(existing))
	for _, r := range existing {
		ids[r.CaseID] = true
	}
	return &Log{path: path, f: f, ids: ids}, nil
}

// Has reports whether a case id is already logged.
func (l *Log) Has(caseID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[caseID]
}

// Len returns the number of logged cases.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Append writes rec unless its case id is already present. It reports
// whether a line was written.
func (l *Log) Append(rec Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ids[rec.CaseID] {
		return false, nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return false, eris.Wrapf(err, "prompt: marshal record %s", rec.CaseID)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return false, eris.Wrapf(err, "prompt: append record %s", rec.CaseID)
	}
	if err := l.f.Sync(); err != nil {
		return false, eris.Wrap(err, "prompt: sync log")
	}
	l.ids[rec.CaseID] = true
	return true, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

// ReadLog reads every record of a message log. Unreadable lines are logged
// and skipped. Lines in the legacy {"<case id>": messages} shape are accepted;
// a string body is read as one flattened completion prompt.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "prompt: open log")
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			zap.L().Warn("prompt: skipping unreadable message log line",
				zap.String("path", path),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "prompt: scan log")
	}
	return records, nil
}

func decodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if rec.CaseID != "" {
		return rec, nil
	}

	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(line, &legacy); err != nil {
		return Record{}, err
	}
	if len(legacy) != 1 {
		return Record{}, eris.New("record has no case_id")
	}
	for id, body := range legacy {
		rec = Record{CaseID: id, Style: string(StyleChat)}
		if err := json.Unmarshal(body, &rec.Messages); err == nil {
			return rec, nil
		}
		var flat string
		if err := json.Unmarshal(body, &flat); err != nil {
			return Record{}, eris.Wrapf(err, "legacy record %s", id)
		}
		rec.Style = string(StyleCompletion)
		rec.Messages = []model.Message{{Role: model.RoleUser, Content: flat}}
	}
	return rec, nil
}
