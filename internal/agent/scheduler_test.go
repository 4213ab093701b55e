package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gitfan/internal/model"
	"gitfan/internal/runner"
)

// gaugeRunner tracks how many commands run concurrently.
type gaugeRunner struct {
	active    int32
	maxActive int32
}

func (r *gaugeRunner) Execute(ctx context.Context, cmd runner.Command) (runner.Output, error) {
	n := atomic.AddInt32(&r.active, 1)
	for {
		max := atomic.LoadInt32(&r.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxActive, max, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&r.active, -1)
	return runner.Output{}, nil
}

func schedulerItems(n int) []model.WorkItem {
	out := make([]model.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.WorkItem{ID: fmt.Sprintf("item-%d", i)})
	}
	return out
}

func newScheduler(t *testing.T, run runner.CommandRunner, maxParallel int64) *Scheduler {
	t.Helper()
	h := newHarness(t, &scriptedGit{}, &stubRunner{}, []model.CommandSpec{
		{Runner: model.RunnerShell, Body: "work on ${item}"},
	})
	h.exec.Run = run
	return &Scheduler{MaxParallel: maxParallel, Exec: h.exec, Logger: h.exec.Logger}
}

func TestSchedulerRespectsConcurrencyCeiling(t *testing.T) {
	gauge := &gaugeRunner{}
	s := newScheduler(t, gauge, 2)

	var claimed, collected int32
	err := s.Run(context.Background(), schedulerItems(6),
		func(model.WorkItem) error {
			atomic.AddInt32(&claimed, 1)
			return nil
		},
		func(res model.AgentResult) (bool, error) {
			atomic.AddInt32(&collected, 1)
			return true, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	if max := atomic.LoadInt32(&gauge.maxActive); max > 2 {
		t.Errorf("max concurrent agents = %d, want at most 2", max)
	}
	if claimed != 6 || collected != 6 {
		t.Errorf("claimed=%d collected=%d, want 6/6", claimed, collected)
	}
}

func TestSchedulerCollectorIsSerial(t *testing.T) {
	s := newScheduler(t, &gaugeRunner{}, 4)

	var inCallback int32
	err := s.Run(context.Background(), schedulerItems(8),
		func(model.WorkItem) error { return nil },
		func(res model.AgentResult) (bool, error) {
			if n := atomic.AddInt32(&inCallback, 1); n != 1 {
				t.Errorf("collector reentered: %d concurrent callbacks", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inCallback, -1)
			return true, nil
		})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerStopsDispatchOnFalse(t *testing.T) {
	s := newScheduler(t, &gaugeRunner{}, 1)

	var claimed int32
	var mu sync.Mutex
	var results []model.AgentResult
	err := s.Run(context.Background(), schedulerItems(10),
		func(model.WorkItem) error {
			atomic.AddInt32(&claimed, 1)
			return nil
		},
		func(res model.AgentResult) (bool, error) {
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return false, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	// Every claimed item has its result collected even after the stop
	// decision; far fewer than all ten were dispatched.
	mu.Lock()
	defer mu.Unlock()
	if int32(len(results)) != atomic.LoadInt32(&claimed) {
		t.Errorf("claimed %d but collected %d", claimed, len(results))
	}
	if claimed == 10 {
		t.Error("stop decision did not halt dispatch")
	}
}

func TestSchedulerOnResultError(t *testing.T) {
	s := newScheduler(t, &gaugeRunner{}, 2)

	boom := errors.New("checkpoint write failed")
	err := s.Run(context.Background(), schedulerItems(6),
		func(model.WorkItem) error { return nil },
		func(res model.AgentResult) (bool, error) { return true, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want collector error", err)
	}
}

func TestSchedulerOnClaimError(t *testing.T) {
	s := newScheduler(t, &gaugeRunner{}, 2)

	boom := errors.New("claim rejected")
	err := s.Run(context.Background(), schedulerItems(3),
		func(model.WorkItem) error { return boom },
		func(res model.AgentResult) (bool, error) { return true, nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want claim error", err)
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	s := newScheduler(t, &gaugeRunner{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var collected int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, schedulerItems(50),
			func(model.WorkItem) error { return nil },
			func(res model.AgentResult) (bool, error) {
				if atomic.AddInt32(&collected, 1) == 2 {
					cancel()
				}
				return true, nil
			})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
	if n := atomic.LoadInt32(&collected); n >= 50 {
		t.Errorf("collected %d results, cancellation had no effect", n)
	}
}

func TestSchedulerReportsCancellationAfterDispatch(t *testing.T) {
	s := newScheduler(t, &stubRunner{block: true}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimed := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, schedulerItems(1),
			func(model.WorkItem) error {
				close(claimed)
				return nil
			},
			func(res model.AgentResult) (bool, error) {
				// Discard the cancellation-induced failure, the way the
				// coordinator leaves interrupted items in progress.
				return false, nil
			})
	}()

	// Every item is dispatched before the interrupt arrives, so the
	// dispatcher itself sees no error.
	<-claimed
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not return after cancellation")
	}
}
