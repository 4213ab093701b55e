package aggregate

import (
	"fmt"

	"gitfan/internal/model"
)

// Apply folds the configured aggregates over successful agent results and
// returns the finalized value per aggregate name. A count aggregate with
// no field counts results; every other kind reads its field from the
// agent's captured outputs and skips results that did not produce it.
func Apply(specs map[string]model.AggregateSpec, results []model.AgentResult) (map[string]any, error) {
	out := make(map[string]any, len(specs))

	for name, spec := range specs {
		kind := Kind(spec.Kind)
		if !validKinds[kind] {
			return nil, fmt.Errorf("aggregate %q: unknown kind %q", name, spec.Kind)
		}

		var opts []Option
		if spec.Separator != "" {
			opts = append(opts, WithSeparator(spec.Separator))
		}
		switch spec.Order {
		case "", "asc":
		case "desc":
			opts = append(opts, Descending())
		default:
			return nil, fmt.Errorf("aggregate %q: order %q is not asc or desc", name, spec.Order)
		}

		var acc *Result
		for _, res := range results {
			if res.Status != model.AgentSuccess {
				continue
			}

			var seeded Result
			var err error
			switch {
			case kind == KindCount && spec.Field == "":
				seeded, err = Seed(KindCount, nil)
			case kind == KindGroupBy:
				key, ok := res.Outputs[spec.Field]
				if !ok {
					continue
				}
				seeded = SeedGroup(key, res.ItemID)
			default:
				raw, ok := res.Outputs[spec.Field]
				if !ok {
					continue
				}
				seeded, err = Seed(kind, raw, opts...)
			}
			if err != nil {
				return nil, fmt.Errorf("aggregate %q: item %s: %w", name, res.ItemID, err)
			}

			if acc == nil {
				acc = &seeded
				continue
			}
			combined, err := Combine(*acc, seeded)
			if err != nil {
				return nil, fmt.Errorf("aggregate %q: %w", name, err)
			}
			acc = &combined
		}

		if acc == nil {
			out[name] = nil
			continue
		}
		out[name] = Finalize(*acc)
	}

	return out, nil
}
