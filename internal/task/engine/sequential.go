package engine

import (
	"context"
	"time"
)

// drainSequential dequeues one task, awaits its launch, pauses p.Delay and
// repeats until the queue is empty. Failed tasks requeued at the tail are
// retried within the same drain.
func (s *Service) drainSequential(ctx context.Context, p Policy) DrainReport {
	var rep DrainReport
	for {
		ok, open := s.issuable(ctx, s.config())
		if !ok {
			rep.CircuitOpen = open
			return rep
		}
		d, found := s.queue.Dequeue()
		if !found {
			return rep
		}
		rep.add(s.launch(ctx, d, p))

		if p.Delay <= 0 || s.queue.Len() == 0 {
			continue
		}
		if !sleepCtx(ctx, p.Delay) {
			return rep
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
