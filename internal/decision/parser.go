// Package decision extracts a same/different judgment from model output.
package decision

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/disambench/internal/model"
)

// Default term lists. Matching is case-insensitive and word-bounded.
var (
	DefaultSameTerms      = []string{"same", "identical", "duplicate", "duplicates", "same software", "same entity"}
	DefaultDifferentTerms = []string{"different", "distinct", "separate", "unrelated", "not the same"}
	DefaultUnclearTerms   = []string{"unclear", "uncertain", "undetermined", "unknown", "cannot determine", "inconclusive"}
)

// verdictKeys are the object keys that may carry the judgment, in priority order.
var verdictKeys = []string{"verdict", "decision", "judgment", "judgement", "answer"}

var (
	fencedObject  = regexp.MustCompile("(?s)```(?:json|python)?\\s*(\\{.*?\\})\\s*```")
	verdictLoose  = regexp.MustCompile(`(?i)['"](?:verdict|decision|judgment|judgement|answer)['"]\s*:\s*['"]([^'"]+)`)
	pyLiteral     = regexp.MustCompile(`\b(True|False|None)\b`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Source tells how a verdict was recovered.
type Source string

const (
	SourceNone       Source = ""
	SourceStructured Source = "structured"
	SourceText       Source = "text"
)

// Verdict is the parsed judgment plus any details the model volunteered.
type Verdict struct {
	Decision    model.Decision
	Confidence  *float64
	Explanation string
	Features    []string
	Source      Source
}

// Parser applies the decision grammar. A Parser is immutable and safe for
// concurrent use.
type Parser struct {
	same             *regexp.Regexp
	different        *regexp.Regexp
	negatedSame      *regexp.Regexp
	negatedDifferent *regexp.Regexp
	unclear          *regexp.Regexp
}

// NewParser builds a parser from term lists. Empty lists fall back to the
// defaults.
func NewParser(sameTerms, differentTerms []string) *Parser {
	if len(sameTerms) == 0 {
		sameTerms = DefaultSameTerms
	}
	if len(differentTerms) == 0 {
		differentTerms = DefaultDifferentTerms
	}
	sameAlt := alternation(sameTerms)
	differentAlt := alternation(differentTerms)
	return &Parser{
		same:             regexp.MustCompile(`(?i)\b(?:` + sameAlt + `)\b`),
		different:        regexp.MustCompile(`(?i)\b(?:` + differentAlt + `)\b`),
		negatedSame:      negation(sameAlt),
		negatedDifferent: negation(differentAlt),
		unclear:          regexp.MustCompile(`(?i)\b(?:` + alternation(DefaultUnclearTerms) + `)\b`),
	}
}

// negation matches "not", "never" or an n't contraction directly before one
// of the alternated terms, allowing a single article in between.
func negation(alt string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:\bnot|n't|\bnever)\s+(?:(?:the|a|an|exactly)\s+)?(?:` + alt + `)\b`)
}

// DefaultParser returns a parser with the default term lists.
func DefaultParser() *Parser {
	return NewParser(nil, nil)
}

// alternation joins terms into a regexp alternation, longest first so that
// multi-word phrases win over their prefixes.
func alternation(terms []string) string {
	sorted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = whitespaceRun.ReplaceAllString(regexp.QuoteMeta(t), `\s+`)
	}
	return strings.Join(parts, "|")
}

// Parse extracts the judgment from text. It never fails: text without an
// unambiguous judgment yields DecisionUnparseable.
func (p *Parser) Parse(text string) Verdict {
	if obj, ok := extractObject(text); ok {
		if v, ok := p.fromObject(obj); ok {
			return v
		}
	}
	if m := verdictLoose.FindStringSubmatch(text); m != nil {
		return Verdict{Decision: p.classifyVerdict(m[1]), Source: SourceStructured}
	}

	d := p.classifyText(text)
	if d == model.DecisionUnparseable {
		return Verdict{Decision: d}
	}
	return Verdict{Decision: d, Source: SourceText}
}

func (p *Parser) fromObject(obj map[string]any) (Verdict, bool) {
	raw, ok := lookupKey(obj, verdictKeys)
	if !ok {
		return Verdict{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return Verdict{}, false
	}

	v := Verdict{Decision: p.classifyVerdict(s), Source: SourceStructured}
	if c, ok := lookupKey(obj, []string{"confidence"}); ok {
		v.Confidence = parseConfidence(c)
	}
	if e, ok := lookupKey(obj, []string{"explanation", "rationale", "reasoning"}); ok {
		if es, ok := e.(string); ok {
			v.Explanation = strings.TrimSpace(es)
		}
	}
	if f, ok := lookupKey(obj, []string{"features", "key_features"}); ok {
		v.Features = parseFeatures(f)
	}
	return v, true
}

// classifyVerdict maps the value of a verdict field. Explicit "unclear"
// verdicts are unparseable.
func (p *Parser) classifyVerdict(s string) model.Decision {
	if p.unclear.MatchString(s) {
		return model.DecisionUnparseable
	}
	return p.classifyText(s)
}

// classifyText scans free text. A negated term counts for the opposite
// polarity; both polarities or neither yield unparseable.
func (p *Parser) classifyText(text string) model.Decision {
	var hasSame, hasDifferent bool
	if p.negatedSame.MatchString(text) {
		hasDifferent = true
		text = p.negatedSame.ReplaceAllString(text, " ")
	}
	if p.negatedDifferent.MatchString(text) {
		hasSame = true
		text = p.negatedDifferent.ReplaceAllString(text, " ")
	}
	hasSame = hasSame || p.same.MatchString(text)
	hasDifferent = hasDifferent || p.different.MatchString(text)

	switch {
	case hasSame && !hasDifferent:
		return model.DecisionSame
	case hasDifferent && !hasSame:
		return model.DecisionDifferent
	default:
		return model.DecisionUnparseable
	}
}

// extractObject finds a JSON or Python-dict object in text: a fenced block
// first, then the outermost inline braces.
func extractObject(text string) (map[string]any, bool) {
	var candidates []string
	if m := fencedObject.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			return obj, true
		}
		if err := json.Unmarshal([]byte(pythonToJSON(c)), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// pythonToJSON rewrites a Python dict literal into JSON: single-quoted
// strings become double-quoted and True/False/None become JSON literals.
func pythonToJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var quote rune
	escaped := false
	var outside strings.Builder
	flush := func() {
		b.WriteString(pyLiteral.ReplaceAllStringFunc(outside.String(), func(lit string) string {
			switch lit {
			case "True":
				return "true"
			case "False":
				return "false"
			}
			return "null"
		}))
		outside.Reset()
	}

	for _, r := range s {
		if quote == 0 {
			if r == '\'' || r == '"' {
				flush()
				quote = r
				b.WriteByte('"')
				continue
			}
			outside.WriteRune(r)
			continue
		}

		switch {
		case escaped:
			escaped = false
			if r == '\'' {
				b.WriteRune(r)
				continue
			}
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\\':
			escaped = true
		case r == quote:
			quote = 0
			b.WriteByte('"')
		case r == '"':
			b.WriteString(`\"`)
		case r == '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return b.String()
}

func lookupKey(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		for name, v := range obj {
			if strings.EqualFold(name, k) {
				return v, true
			}
		}
	}
	return nil, false
}

// parseConfidence accepts 0..1 fractions, 0..100 percentages and numeric
// strings ("0.8", "85%").
func parseConfidence(v any) *float64 {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(c), "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	if f < 0 || f > 1 {
		return nil
	}
	return &f
}

func parseFeatures(v any) []string {
	switch f := v.(type) {
	case string:
		if s := strings.TrimSpace(f); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(f))
		for _, item := range f {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, s)
				}
			default:
				if b, err := json.Marshal(it); err == nil {
					out = append(out, string(b))
				}
			}
		}
		return out
	}
	return nil
}
