package engine

import (
	"context"
	"sync"
	"time"

	"devpilot/internal/task"
)

// drainStagger takes the whole queue and issues every launch in its own
// goroutine, the i-th one at start + i*p.Delay, then waits for all of them.
// One failure never aborts the others. Tasks requeued by a failure wait for
// the next drain. Tasks never issued (ctx done or circuit open) are put back
// at the head of the queue without a retry penalty, unless the queue was
// cleared meanwhile: then they are discarded with it.
func (s *Service) drainStagger(ctx context.Context, p Policy) DrainReport {
	var rep DrainReport
	tasks, lease := s.queue.Take()
	if len(tasks) == 0 {
		return rep
	}

	sem := newSemaphore(p.Concurrency)
	start := time.Now()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []Outcome
	)
	issued := 0
	for i, d := range tasks {
		if wait := time.Until(start.Add(time.Duration(i) * p.Delay)); wait > 0 {
			if !sleepCtx(ctx, wait) {
				break
			}
		}
		ok, open := s.issuable(ctx, s.config())
		if !ok {
			rep.CircuitOpen = open
			break
		}
		if !sem.acquire(ctx) {
			break
		}
		if !lease.Claim() {
			sem.release()
			break
		}
		issued++
		wg.Add(1)
		go func(d task.Descriptor) {
			defer wg.Done()
			defer sem.release()
			o := s.launch(ctx, d, p)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}(d)
	}

	if rest := tasks[issued:]; lease.Return(rest) {
		rep.Returned = len(rest)
	} else {
		rep.Cleared = len(rest)
	}

	wg.Wait()
	for _, o := range outcomes {
		rep.add(o)
	}
	return rep
}
