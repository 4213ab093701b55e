// Package dlq stores dead-lettered work items for a job. Each item gets
// its own JSON file under items/, with an index.json listing the live
// item ids. Records accumulate failure history across retries and are
// removed only by an explicit clear or a successful retry.
package dlq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gitfan/internal/model"
	"gitfan/internal/storage"
)

// ErrNotFound is returned when an item id is not in the queue.
var ErrNotFound = errors.New("dlq item not found")

// NotEligibleError is returned by Reprocess for items flagged for
// manual review when force was not set.
type NotEligibleError struct {
	ItemID string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("dlq item %s requires manual review; use force to retry it anyway", e.ItemID)
}

type index struct {
	ItemIDs []string `json:"item_ids"`
}

// Queue is the per-job dead letter queue rooted at one directory.
type Queue struct {
	dir      string
	maxItems int
	mu       sync.Mutex
}

// Open returns the queue at dir, creating the directory layout on first
// use. maxItems bounds the queue; adding beyond it evicts the oldest
// reprocess-eligible record.
func Open(dir string, maxItems int) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(dir, "items"), 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &Queue{dir: dir, maxItems: maxItems}, nil
}

func (q *Queue) indexPath() string { return filepath.Join(q.dir, "index.json") }

func (q *Queue) itemPath(itemID string) string {
	return filepath.Join(q.dir, "items", itemID+".json")
}

func (q *Queue) loadIndex() (*index, error) {
	var idx index
	err := storage.ReadJSON(q.indexPath(), &idx)
	if errors.Is(err, fs.ErrNotExist) {
		return &index{ItemIDs: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dlq index: %w", err)
	}
	return &idx, nil
}

// RecordFailure adds a failure for item to the queue. A new record is
// created on first failure; later failures append to the history and
// bump last_attempt while first_attempt stays fixed. The returned record
// reflects the stored state.
func (q *Queue) RecordFailure(item model.WorkItem, detail model.FailureDetail, artifacts *model.WorktreeArtifacts) (*model.DeadLetteredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.get(item.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if rec == nil {
		rec = &model.DeadLetteredItem{
			ItemID:         item.ID,
			ItemData:       item.Data,
			FirstAttempt:   detail.Timestamp,
			FailureHistory: []model.FailureDetail{},
		}
	}

	detail.AttemptNumber = rec.FailureCount + 1
	rec.FailureCount++
	rec.LastAttempt = detail.Timestamp
	rec.FailureHistory = append(rec.FailureHistory, detail)
	rec.ErrorSignature = ErrorSignature(detail.ErrorType, detail.ErrorMessage)
	if artifacts != nil {
		rec.WorktreeArtifacts = artifacts
	}
	rec.ReprocessEligible = detail.ErrorType.Transient()
	rec.ManualReviewRequired = !rec.ReprocessEligible

	idx, err := q.loadIndex()
	if err != nil {
		return nil, err
	}
	if !contains(idx.ItemIDs, item.ID) {
		if len(idx.ItemIDs) >= q.maxItems {
			if err := q.evictOldest(idx); err != nil {
				return nil, err
			}
		}
		idx.ItemIDs = append(idx.ItemIDs, item.ID)
	}

	if err := storage.AtomicWriteJSON(q.itemPath(item.ID), rec); err != nil {
		return nil, fmt.Errorf("write dlq item %s: %w", item.ID, err)
	}
	if err := storage.AtomicWriteJSON(q.indexPath(), idx); err != nil {
		return nil, fmt.Errorf("write dlq index: %w", err)
	}
	return rec, nil
}

// evictOldest removes the oldest reprocess-eligible record to make room.
// When every record requires manual review the oldest overall goes.
func (q *Queue) evictOldest(idx *index) error {
	records := make([]*model.DeadLetteredItem, 0, len(idx.ItemIDs))
	for _, id := range idx.ItemIDs {
		rec, err := q.get(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].FirstAttempt.Before(records[j].FirstAttempt)
	})

	victim := records[0]
	for _, rec := range records {
		if rec.ReprocessEligible {
			victim = rec
			break
		}
	}

	idx.ItemIDs = remove(idx.ItemIDs, victim.ItemID)
	if err := os.Remove(q.itemPath(victim.ItemID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("evict dlq item %s: %w", victim.ItemID, err)
	}
	return nil
}

// Get returns one record by item id.
func (q *Queue) Get(itemID string) (*model.DeadLetteredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(itemID)
}

func (q *Queue) get(itemID string) (*model.DeadLetteredItem, error) {
	var rec model.DeadLetteredItem
	err := storage.ReadJSON(q.itemPath(itemID), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("read dlq item %s: %w", itemID, err)
	}
	return &rec, nil
}

// Items returns all records, oldest first attempt first.
func (q *Queue) Items() ([]*model.DeadLetteredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndex()
	if err != nil {
		return nil, err
	}

	records := make([]*model.DeadLetteredItem, 0, len(idx.ItemIDs))
	for _, id := range idx.ItemIDs {
		rec, err := q.get(id)
		if errors.Is(err, ErrNotFound) {
			// Index drift: item file deleted out of band.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FirstAttempt.Before(records[j].FirstAttempt)
	})
	return records, nil
}

// Remove deletes a record, both its file and its index entry. Missing
// records are not an error so retries can clean up idempotently.
func (q *Queue) Remove(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(itemID)
}

func (q *Queue) remove(itemID string) error {
	idx, err := q.loadIndex()
	if err != nil {
		return err
	}
	idx.ItemIDs = remove(idx.ItemIDs, itemID)

	if err := os.Remove(q.itemPath(itemID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove dlq item %s: %w", itemID, err)
	}
	return storage.AtomicWriteJSON(q.indexPath(), idx)
}

// Reprocess selects records for retry and returns their work items.
// Records flagged manual_review_required are skipped unless force is
// set. Empty ids means all records. The records themselves stay in the
// queue until the retry outcome is known.
func (q *Queue) Reprocess(ids []string, force bool) ([]model.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var records []*model.DeadLetteredItem
	if len(ids) == 0 {
		idx, err := q.loadIndex()
		if err != nil {
			return nil, err
		}
		ids = idx.ItemIDs
	}

	for _, id := range ids {
		rec, err := q.get(id)
		if err != nil {
			return nil, err
		}
		if rec.ManualReviewRequired && !force {
			return nil, &NotEligibleError{ItemID: id}
		}
		records = append(records, rec)
	}

	items := make([]model.WorkItem, 0, len(records))
	for _, rec := range records {
		items = append(items, model.WorkItem{ID: rec.ItemID, Data: rec.ItemData})
	}
	return items, nil
}

// Purge deletes records older than retention and returns how many were
// removed.
func (q *Queue) Purge(retention time.Duration, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndex()
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	removed := 0
	kept := idx.ItemIDs[:0]
	for _, id := range idx.ItemIDs {
		rec, err := q.get(id)
		if errors.Is(err, ErrNotFound) {
			removed++
			continue
		}
		if err != nil {
			return removed, err
		}
		if rec.LastAttempt.Before(cutoff) {
			if err := os.Remove(q.itemPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("purge dlq item %s: %w", id, err)
			}
			removed++
			continue
		}
		kept = append(kept, id)
	}
	idx.ItemIDs = kept

	if err := storage.AtomicWriteJSON(q.indexPath(), idx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Clear removes every record and returns how many were removed.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndex()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range idx.ItemIDs {
		if err := os.Remove(q.itemPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("clear dlq item %s: %w", id, err)
		}
		removed++
	}
	idx.ItemIDs = []string{}
	if err := storage.AtomicWriteJSON(q.indexPath(), idx); err != nil {
		return removed, err
	}
	return removed, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
