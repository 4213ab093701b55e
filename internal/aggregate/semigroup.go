// Package aggregate implements the reduce-phase fold over agent results.
// Every aggregate kind carries an intermediate state whose Combine is
// associative, so partial aggregates can be folded in any grouping and
// still produce the same final value.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind enumerates the supported aggregate computations.
type Kind string

const (
	KindCount    Kind = "count"
	KindSum      Kind = "sum"
	KindMin      Kind = "min"
	KindMax      Kind = "max"
	KindCollect  Kind = "collect"
	KindAverage  Kind = "average"
	KindMedian   Kind = "median"
	KindStdDev   Kind = "stddev"
	KindVariance Kind = "variance"
	KindUnique   Kind = "unique"
	KindConcat   Kind = "concat"
	KindMerge    Kind = "merge"
	KindFlatten  Kind = "flatten"
	KindSort     Kind = "sort"
	KindGroupBy  Kind = "group_by"
)

var validKinds = map[Kind]bool{
	KindCount: true, KindSum: true, KindMin: true, KindMax: true,
	KindCollect: true, KindAverage: true, KindMedian: true,
	KindStdDev: true, KindVariance: true, KindUnique: true,
	KindConcat: true, KindMerge: true, KindFlatten: true,
	KindSort: true, KindGroupBy: true,
}

// Result is the combinable intermediate state of one aggregate. Stateful
// kinds (average, median, stddev, variance, sort) keep raw state here and
// produce their final value in Finalize.
type Result struct {
	Kind Kind

	count    int
	sum      float64
	nums     []float64
	values   []any
	set      map[string]struct{}
	str      string
	strSet   bool
	sep      string
	m        map[string]any
	groups   map[string][]any
	extremum any
	extSet   bool
	desc     bool
}

// Option adjusts seeding behavior for specific kinds.
type Option func(*Result)

// WithSeparator sets the concat separator.
func WithSeparator(sep string) Option {
	return func(r *Result) { r.sep = sep }
}

// Descending makes sort order descending.
func Descending() Option {
	return func(r *Result) { r.desc = true }
}

// Seed builds the intermediate state for a single observed value.
func Seed(kind Kind, v any, opts ...Option) (Result, error) {
	if !validKinds[kind] {
		return Result{}, fmt.Errorf("unknown aggregate kind %q", kind)
	}
	r := Result{Kind: kind}
	for _, opt := range opts {
		opt(&r)
	}

	switch kind {
	case KindCount:
		r.count = 1
	case KindSum, KindAverage:
		f, err := toFloat(v)
		if err != nil {
			return Result{}, err
		}
		r.sum = f
		r.count = 1
	case KindMedian, KindStdDev, KindVariance:
		f, err := toFloat(v)
		if err != nil {
			return Result{}, err
		}
		r.nums = []float64{f}
	case KindMin, KindMax:
		r.extremum = v
		r.extSet = true
	case KindCollect, KindSort:
		r.values = []any{v}
	case KindFlatten:
		if nested, ok := v.([]any); ok {
			r.values = append(r.values, nested...)
		} else {
			r.values = []any{v}
		}
	case KindUnique:
		r.set = map[string]struct{}{toString(v): {}}
	case KindConcat:
		r.str = toString(v)
		r.strSet = true
	case KindMerge:
		m, ok := v.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("merge aggregate needs an object value, got %T", v)
		}
		r.m = make(map[string]any, len(m))
		for k, val := range m {
			r.m[k] = val
		}
	case KindGroupBy:
		return Result{}, fmt.Errorf("group_by values must be seeded with SeedGroup")
	}
	return r, nil
}

// SeedGroup builds group_by state for one value under its group key.
func SeedGroup(key string, v any) Result {
	return Result{
		Kind:   KindGroupBy,
		groups: map[string][]any{key: {v}},
	}
}

// Combine folds two intermediate states of the same kind. The operation
// is associative for every kind: (a∘b)∘c == a∘(b∘c).
func Combine(a, b Result) (Result, error) {
	if a.Kind != b.Kind {
		return Result{}, fmt.Errorf("cannot combine aggregate kinds %q and %q", a.Kind, b.Kind)
	}

	out := Result{Kind: a.Kind, sep: a.sep, desc: a.desc || b.desc}

	switch a.Kind {
	case KindCount:
		out.count = a.count + b.count
	case KindSum, KindAverage:
		out.sum = a.sum + b.sum
		out.count = a.count + b.count
	case KindMedian, KindStdDev, KindVariance:
		out.nums = append(append([]float64{}, a.nums...), b.nums...)
	case KindMin:
		out.extremum, out.extSet = pickExtremum(a, b, true)
	case KindMax:
		out.extremum, out.extSet = pickExtremum(a, b, false)
	case KindCollect, KindFlatten, KindSort:
		out.values = append(append([]any{}, a.values...), b.values...)
	case KindUnique:
		out.set = make(map[string]struct{}, len(a.set)+len(b.set))
		for k := range a.set {
			out.set[k] = struct{}{}
		}
		for k := range b.set {
			out.set[k] = struct{}{}
		}
	case KindConcat:
		switch {
		case !a.strSet:
			out.str, out.strSet = b.str, b.strSet
		case !b.strSet:
			out.str, out.strSet = a.str, a.strSet
		default:
			out.str = a.str + a.sep + b.str
			out.strSet = true
		}
	case KindMerge:
		// Left-biased: earlier keys win.
		out.m = make(map[string]any, len(a.m)+len(b.m))
		for k, v := range a.m {
			out.m[k] = v
		}
		for k, v := range b.m {
			if _, exists := out.m[k]; !exists {
				out.m[k] = v
			}
		}
	case KindGroupBy:
		out.groups = make(map[string][]any, len(a.groups)+len(b.groups))
		for k, vs := range a.groups {
			out.groups[k] = append(out.groups[k], vs...)
		}
		for k, vs := range b.groups {
			out.groups[k] = append(out.groups[k], vs...)
		}
	}
	return out, nil
}

// Finalize converts intermediate state to the output value.
func Finalize(r Result) any {
	switch r.Kind {
	case KindCount:
		return r.count
	case KindSum:
		return r.sum
	case KindAverage:
		if r.count == 0 {
			return 0.0
		}
		return r.sum / float64(r.count)
	case KindMedian:
		return median(r.nums)
	case KindVariance:
		return variance(r.nums)
	case KindStdDev:
		return math.Sqrt(variance(r.nums))
	case KindMin, KindMax:
		return r.extremum
	case KindCollect, KindFlatten:
		return r.values
	case KindSort:
		sorted := append([]any{}, r.values...)
		sort.SliceStable(sorted, func(i, j int) bool {
			less := compareValues(sorted[i], sorted[j]) < 0
			if r.desc {
				return !less
			}
			return less
		})
		return sorted
	case KindUnique:
		keys := make([]string, 0, len(r.set))
		for k := range r.set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	case KindConcat:
		return r.str
	case KindMerge:
		return r.m
	case KindGroupBy:
		return r.groups
	}
	return nil
}

func pickExtremum(a, b Result, wantMin bool) (any, bool) {
	switch {
	case !a.extSet:
		return b.extremum, b.extSet
	case !b.extSet:
		return a.extremum, a.extSet
	}
	cmp := compareValues(a.extremum, b.extremum)
	if (wantMin && cmp <= 0) || (!wantMin && cmp >= 0) {
		return a.extremum, true
	}
	return b.extremum, true
}

// compareValues orders two opaque values: numerically when both parse as
// numbers, lexically otherwise. A total order keeps min/max associative.
func compareValues(a, b any) int {
	fa, errA := toFloat(a)
	fb, errB := toFloat(b)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	sa, sb := toString(a), toString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func median(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	sorted := append([]float64{}, nums...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func variance(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	mean := sum / float64(len(nums))
	var sq float64
	for _, n := range nums {
		d := n - mean
		sq += d * d
	}
	return sq / float64(len(nums))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case interface{ Float64() (float64, error) }: // json.Number
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
