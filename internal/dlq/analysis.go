package dlq

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"gitfan/internal/model"
)

// ErrorSignature normalizes an error into a grouping key so that many
// failures of the same root cause collapse into one pattern. Words that
// look like paths, hashes, or numbers are dropped, the rest is lowered
// and truncated to its first ten words, prefixed with the error type.
func ErrorSignature(errType model.ErrorType, message string) string {
	fields := strings.Fields(message)
	kept := make([]string, 0, 10)
	for _, w := range fields {
		if len(kept) == 10 {
			break
		}
		if volatileWord(w) {
			continue
		}
		kept = append(kept, strings.ToLower(strings.Trim(w, ".,:;'\"()")))
	}
	return string(errType) + ":" + strings.Join(kept, " ")
}

func volatileWord(w string) bool {
	if strings.ContainsAny(w, "/\\") {
		return true
	}
	digits := 0
	for _, r := range w {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	// Mostly-numeric tokens are ids, counts, or addresses.
	return digits > 0 && digits*2 >= len(w)
}

// Stats summarizes the queue for inspection.
type Stats struct {
	TotalItems        int                     `json:"total_items"`
	Eligible          int                     `json:"reprocess_eligible"`
	ManualReview      int                     `json:"manual_review_required"`
	ByErrorType       map[model.ErrorType]int `json:"by_error_type"`
	OldestFirstSeen   time.Time               `json:"oldest_first_seen,omitempty"`
	NewestLastAttempt time.Time               `json:"newest_last_attempt,omitempty"`
}

// Stats computes aggregate counts over the live records.
func (q *Queue) Stats() (*Stats, error) {
	records, err := q.Items()
	if err != nil {
		return nil, err
	}

	st := &Stats{ByErrorType: map[model.ErrorType]int{}}
	for _, rec := range records {
		st.TotalItems++
		if rec.ReprocessEligible {
			st.Eligible++
		}
		if rec.ManualReviewRequired {
			st.ManualReview++
		}
		if n := len(rec.FailureHistory); n > 0 {
			st.ByErrorType[rec.FailureHistory[n-1].ErrorType]++
		}
		if st.OldestFirstSeen.IsZero() || rec.FirstAttempt.Before(st.OldestFirstSeen) {
			st.OldestFirstSeen = rec.FirstAttempt
		}
		if rec.LastAttempt.After(st.NewestLastAttempt) {
			st.NewestLastAttempt = rec.LastAttempt
		}
	}
	return st, nil
}

// Pattern is one error signature and the items that share it.
type Pattern struct {
	Signature string   `json:"signature"`
	Count     int      `json:"count"`
	ItemIDs   []string `json:"item_ids"`
}

// AnalyzePatterns groups records by error signature, most frequent
// first, so a single root cause affecting many items is visible at a
// glance.
func (q *Queue) AnalyzePatterns() ([]Pattern, error) {
	records, err := q.Items()
	if err != nil {
		return nil, err
	}

	bySig := map[string][]string{}
	for _, rec := range records {
		bySig[rec.ErrorSignature] = append(bySig[rec.ErrorSignature], rec.ItemID)
	}

	patterns := make([]Pattern, 0, len(bySig))
	for sig, ids := range bySig {
		sort.Strings(ids)
		patterns = append(patterns, Pattern{Signature: sig, Count: len(ids), ItemIDs: ids})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Signature < patterns[j].Signature
	})
	return patterns, nil
}
