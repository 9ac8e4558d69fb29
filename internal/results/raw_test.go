package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAttempt(caseID string, n int, body string) Attempt {
	return Attempt{
		CaseID:     caseID,
		Number:     n,
		Provider:   "openrouter",
		Model:      "openai/gpt-4o",
		Style:      "chat",
		StatusCode: 200,
		RequestID:  "req-1",
		Body:       []byte(body),
		Latency:    1500 * time.Millisecond,
		Timestamp:  time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCaseSlug(t *testing.T) {
	assert.Equal(t, "case-0123abcd", CaseSlug("case-0123abcd"))

	a := CaseSlug("G1/A:B")
	b := CaseSlug("G1_A_B")
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
	assert.Equal(t, a, CaseSlug("G1/A:B"))

	assert.NotEqual(t, "..", CaseSlug(".."))
	assert.NotEmpty(t, CaseSlug(""))
}

func TestRawStore_WriteLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRawStore(dir)
	require.NoError(t, err)

	ref1, err := s.Write(testAttempt("case-1", 1, `{"status":"first"}`))
	require.NoError(t, err)
	ref2, err := s.Write(testAttempt("case-1", 2, `{"status":"second"}`))
	require.NoError(t, err)

	assert.Equal(t, "case-1/attempt-001.json", ref1)
	assert.Equal(t, "case-1/attempt-002.json", ref2)
	assert.True(t, s.Exists(ref1))
	assert.False(t, s.Exists("case-1/attempt-009.json"))
	assert.False(t, s.Exists(""))

	body, err := os.ReadFile(filepath.Join(dir, "case-1", "attempt-001.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"status":"first"}`, string(body))
	assert.FileExists(t, filepath.Join(dir, "case-1", "attempt-002.meta.json"))
}

func TestRawStore_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRawStore(dir)
	require.NoError(t, err)

	// A stray body without meta occupies sequence 1.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "case-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case-1", "attempt-001.json"), []byte("old"), 0o644))

	ref, err := s.Write(testAttempt("case-1", 1, "new"))
	require.NoError(t, err)
	assert.Equal(t, "case-1/attempt-002.json", ref)

	old, err := os.ReadFile(filepath.Join(dir, "case-1", "attempt-001.json"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestRawStore_EmptyBodyAndError(t *testing.T) {
	s, err := NewRawStore(t.TempDir())
	require.NoError(t, err)

	a := testAttempt("case-2", 1, "")
	a.StatusCode = 0
	a.Error = "dial tcp: i/o timeout"
	ref, err := s.Write(a)
	require.NoError(t, err)
	assert.True(t, s.Exists(ref))

	var metas []Meta
	require.NoError(t, s.Walk(func(_ string, m Meta, body []byte) error {
		metas = append(metas, m)
		assert.Empty(t, body)
		return nil
	}))
	require.Len(t, metas, 1)
	assert.Equal(t, "dial tcp: i/o timeout", metas[0].Error)
	assert.Equal(t, int64(1500), metas[0].LatencyMS)
}

func TestRawStore_RequiresCaseID(t *testing.T) {
	s, err := NewRawStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Write(Attempt{Body: []byte("x")})
	assert.Error(t, err)
}

func TestRawStore_WalkOrder(t *testing.T) {
	s, err := NewRawStore(t.TempDir())
	require.NoError(t, err)

	for _, a := range []Attempt{
		testAttempt("case-b", 1, "b1"),
		testAttempt("case-a", 1, "a1"),
		testAttempt("case-b", 2, "b2"),
	} {
		_, err := s.Write(a)
		require.NoError(t, err)
	}

	var seen []string
	require.NoError(t, s.Walk(func(ref string, m Meta, body []byte) error {
		seen = append(seen, string(body))
		assert.Equal(t, m.CaseID, ref[:len(m.CaseID)])
		return nil
	}))
	assert.Equal(t, []string{"a1", "b1", "b2"}, seen)
}
