package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gitfan/internal/logging"
	"gitfan/internal/model"
)

// Scheduler fans work items out to agents with a hard concurrency
// ceiling. Results are delivered to a single collector callback in
// completion order, never concurrently, so the callback may apply state
// transitions and write checkpoints without its own locking.
type Scheduler struct {
	MaxParallel int64
	Exec        *Executor
	Logger      *logging.Logger
}

// Run processes items until the list is exhausted or ctx is cancelled;
// a cancelled run always reports ctx's error even when dispatching had
// already finished. onClaim is invoked (from the scheduling goroutine)
// just before an agent launches; onResult is invoked serially for each
// finished agent.
// A false return from onResult stops dispatching new work. In-flight
// agents always run to completion and have their results collected, so
// no item is left stranded in_progress by a stop decision.
func (s *Scheduler) Run(ctx context.Context, items []model.WorkItem, onClaim func(model.WorkItem) error, onResult func(model.AgentResult) (bool, error)) error {
	sem := semaphore.NewWeighted(s.MaxParallel)
	results := make(chan model.AgentResult)

	g, gctx := errgroup.WithContext(ctx)

	// Collector: the single consumer of results. It signals the
	// dispatcher to stop via stopDispatch but keeps draining until the
	// dispatcher closes the channel.
	stopDispatch := make(chan struct{})
	var collectErr error
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		stopped := false
		for res := range results {
			cont, err := onResult(res)
			if err != nil && collectErr == nil {
				collectErr = err
			}
			if (!cont || err != nil) && !stopped {
				stopped = true
				close(stopDispatch)
			}
		}
	}()

	g.Go(func() error {
		for _, item := range items {
			select {
			case <-stopDispatch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}

			// Re-check after a potentially long wait for a slot.
			select {
			case <-stopDispatch:
				sem.Release(1)
				return nil
			default:
			}

			if err := onClaim(item); err != nil {
				sem.Release(1)
				return err
			}
			s.Logger.Debugf("dispatching item item_id=%s", item.ID)

			it := item
			g.Go(func() error {
				defer sem.Release(1)
				results <- s.Exec.Execute(gctx, it)
				return nil
			})
		}
		return nil
	})

	err := g.Wait()
	close(results)
	<-collectorDone

	if err != nil {
		return err
	}
	if collectErr != nil {
		return collectErr
	}
	// The dispatcher returns nil when every item was already dispatched
	// or a stop decision closed stopDispatch before it observed the
	// cancellation; the caller still needs to see the interrupt.
	return ctx.Err()
}
