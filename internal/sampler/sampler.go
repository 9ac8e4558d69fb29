// Package sampler turns loaded entry clusters into labelled conflict cases.
package sampler

import (
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
)

// SamplingError reports a manifest/data inconsistency or an impossible
// sampling request. It is fatal for the affected run.
type SamplingError struct {
	CaseID string
	Reason string
}

func (e *SamplingError) Error() string {
	if e.CaseID != "" {
		return fmt.Sprintf("sampler: case %s: %s", e.CaseID, e.Reason)
	}
	return "sampler: " + e.Reason
}

// Source is the read-only view of the entity record store used for sampling.
type Source interface {
	Lookup(id string) (model.Entry, bool)
	Groups() []model.Group
	DisconnectedSets() []model.DisconnectedSet
	SameGroup(a, b string) bool
}

// Options controls seeded sampling.
type Options struct {
	Seed      uint64
	Same      int
	Different int
	// CrossGroup allows "different" pairs drawn across distinct groups in
	// addition to disconnected sets.
	CrossGroup bool
}

type pair struct {
	a, b   string
	origin model.CaseOrigin
}

// Sample draws Same "same" cases and Different "different" cases. The
// returned order is deterministic for a given seed and input.
func Sample(src Source, opts Options) ([]model.ConflictCase, error) {
	if opts.Same < 0 || opts.Different < 0 {
		return nil, &SamplingError{Reason: "negative case count"}
	}

	seen := make(map[string]bool)
	same := samePairs(src, seen)
	different := differentPairs(src, seen, opts.CrossGroup)

	if opts.Same > len(same) {
		return nil, &SamplingError{Reason: fmt.Sprintf("requested %d same cases, only %d distinct pairs available", opts.Same, len(same))}
	}
	if opts.Different > len(different) {
		return nil, &SamplingError{Reason: fmt.Sprintf("requested %d different cases, only %d distinct pairs available", opts.Different, len(different))}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(same), func(i, j int) { same[i], same[j] = same[j], same[i] })
	rng.Shuffle(len(different), func(i, j int) { different[i], different[j] = different[j], different[i] })

	cases := make([]model.ConflictCase, 0, opts.Same+opts.Different)
	for _, p := range same[:opts.Same] {
		cases = append(cases, newCase(p, model.LabelSame))
	}
	for _, p := range different[:opts.Different] {
		cases = append(cases, newCase(p, model.LabelDifferent))
	}
	rng.Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })

	zap.L().Info("sampled conflict cases",
		zap.Int("same", opts.Same),
		zap.Int("different", opts.Different),
		zap.Int("same_available", len(same)),
		zap.Int("different_available", len(different)),
		zap.Uint64("seed", opts.Seed),
	)
	return cases, nil
}

func newCase(p pair, label model.Label) model.ConflictCase {
	a, b := p.a, p.b
	if b < a {
		a, b = b, a
	}
	return model.ConflictCase{
		ID:     model.CaseID(a, b, label),
		EntryA: a,
		EntryB: b,
		Label:  label,
		Origin: p.origin,
	}
}

// samePairs enumerates every unordered pair inside a single group.
func samePairs(src Source, seen map[string]bool) []pair {
	var out []pair
	for _, g := range src.Groups() {
		for i := 0; i < len(g.Members); i++ {
			for j := i + 1; j < len(g.Members); j++ {
				a, b := g.Members[i], g.Members[j]
				if a == b || seen[model.PairKey(a, b)] {
					continue
				}
				seen[model.PairKey(a, b)] = true
				out = append(out, pair{a: a, b: b, origin: model.OriginGroup})
			}
		}
	}
	return out
}

// differentPairs enumerates pairs asserted distinct. Pairs whose entries
// share a group are never labelled "different".
func differentPairs(src Source, seen map[string]bool, crossGroup bool) []pair {
	var out []pair
	add := func(a, b string, origin model.CaseOrigin) {
		if a == b || seen[model.PairKey(a, b)] || src.SameGroup(a, b) {
			return
		}
		seen[model.PairKey(a, b)] = true
		out = append(out, pair{a: a, b: b, origin: origin})
	}

	for _, set := range src.DisconnectedSets() {
		for i := 0; i < len(set.Members); i++ {
			for j := i + 1; j < len(set.Members); j++ {
				add(set.Members[i], set.Members[j], model.OriginDisconnected)
			}
		}
	}

	if crossGroup {
		groups := src.Groups()
		for gi := 0; gi < len(groups); gi++ {
			for gj := gi + 1; gj < len(groups); gj++ {
				for _, a := range groups[gi].Members {
					for _, b := range groups[gj].Members {
						add(a, b, model.OriginCrossGroup)
					}
				}
			}
		}
	}
	return out
}

// FromManifest rebuilds cases from manifest rows. The same row always yields
// the same case. A missing label is derived from group membership.
func FromManifest(src Source, rows []ManifestRow) ([]model.ConflictCase, error) {
	cases := make([]model.ConflictCase, 0, len(rows))
	ids := make(map[string]bool, len(rows))

	for _, row := range rows {
		for _, id := range []string{row.EntryA, row.EntryB} {
			if _, ok := src.Lookup(id); !ok {
				return nil, &SamplingError{CaseID: row.CaseID, Reason: fmt.Sprintf("entry %q not found in record store", id)}
			}
		}
		if row.EntryA == row.EntryB {
			return nil, &SamplingError{CaseID: row.CaseID, Reason: "case compares an entry with itself"}
		}

		label := row.Label
		if label == "" {
			label = model.LabelDifferent
			if src.SameGroup(row.EntryA, row.EntryB) {
				label = model.LabelSame
			}
		}

		id := row.CaseID
		if id == "" {
			id = model.CaseID(row.EntryA, row.EntryB, label)
		}
		if ids[id] {
			return nil, &SamplingError{CaseID: id, Reason: "duplicate case id in manifest"}
		}
		ids[id] = true

		cases = append(cases, model.ConflictCase{
			ID:     id,
			EntryA: row.EntryA,
			EntryB: row.EntryB,
			Label:  label,
			Origin: model.OriginManifest,
		})
	}
	return cases, nil
}
