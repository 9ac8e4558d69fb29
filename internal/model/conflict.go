package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Group is a set of entry ids asserted to denote the same software entity.
type Group struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// DisconnectedSet is a set of entry ids asserted to denote distinct entities.
type DisconnectedSet struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Label is the ground-truth relation of a conflict case.
type Label string

const (
	LabelSame      Label = "same"
	LabelDifferent Label = "different"
)

// ParseLabel normalises a free-form label ("Same", "different software", ...).
func ParseLabel(s string) (Label, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "":
		return "", false
	case strings.HasPrefix(s, "same"), s == "yes", s == "duplicate":
		return LabelSame, true
	case strings.HasPrefix(s, "different"), strings.HasPrefix(s, "distinct"), s == "no":
		return LabelDifferent, true
	}
	return "", false
}

// CaseOrigin records how a conflict case was produced.
type CaseOrigin string

const (
	OriginManifest     CaseOrigin = "manifest"
	OriginGroup        CaseOrigin = "group"
	OriginDisconnected CaseOrigin = "disconnected"
	OriginCrossGroup   CaseOrigin = "cross_group"
)

// ConflictCase is one sampled comparison between two entries with its
// ground-truth label. Cases are immutable after sampling.
type ConflictCase struct {
	ID     string     `json:"case_id"`
	EntryA string     `json:"entry_a"`
	EntryB string     `json:"entry_b"`
	Label  Label      `json:"label"`
	Origin CaseOrigin `json:"origin,omitempty"`
}

// PairKey returns an order-independent key for the entry pair of a case.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// CaseID derives the stable identifier of a comparison. The same unordered
// pair and label always map to the same id.
func CaseID(a, b string, label Label) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b + "\x00" + string(label)))
	return "case-" + hex.EncodeToString(sum[:8])
}
