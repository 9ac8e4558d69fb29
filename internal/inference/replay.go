package inference

import (
	"github.com/sells-group/disambench/internal/cost"
	"github.com/sells-group/disambench/internal/decision"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/resilience"
	"github.com/sells-group/disambench/internal/results"
)

// ReplayParser re-derives results from stored attempts without contacting
// any provider. The returned func is not safe for concurrent use.
func ReplayParser(parser *decision.Parser, calc *cost.Calculator) results.ParseFunc {
	if parser == nil {
		parser = decision.DefaultParser()
	}
	providers := make(map[string]Provider)

	return func(meta results.Meta, body []byte) model.InferenceResult {
		res := model.InferenceResult{
			CaseID:    meta.CaseID,
			Model:     meta.Model,
			Provider:  meta.Provider,
			Attempts:  meta.Attempt,
			LatencyMS: meta.LatencyMS,
			Timestamp: meta.Timestamp,
		}
		if meta.Error != "" {
			res.Error = meta.Error
			res.ErrorKind = model.ErrorKindExhausted
			return res
		}

		p, ok := providers[meta.Provider]
		if !ok {
			var err error
			if p, err = NewProvider(meta.Provider, ProviderConfig{}); err != nil {
				res.Error = err.Error()
				res.ErrorKind = model.ErrorKindFatal
				return res
			}
			providers[meta.Provider] = p
		}

		comp, err := interpret(p, &RawResponse{StatusCode: meta.StatusCode, Body: body})
		if err != nil {
			res.Error = err.Error()
			if resilience.IsTransient(err) {
				res.ErrorKind = model.ErrorKindExhausted
			} else {
				res.ErrorKind = model.ErrorKindFatal
			}
			return res
		}
		applyCompletion(&res, comp, parser, calc)
		return res
	}
}
