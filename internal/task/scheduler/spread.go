package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run by a random jitter so loops sharing an
// interval do not all hit the backend in the same instant. After the first
// run it delegates to the base schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// withStartupSpread wraps base so that its first firing after now is pushed
// back by up to min(first gap, 30s). The jitter is returned for logging.
func withStartupSpread(base cron.Schedule, now time.Time, name string) (cron.Schedule, time.Duration) {
	next := base.Next(now)
	window := next.Sub(now)
	if window > maxStartupSpread {
		window = maxStartupSpread
	}
	if window <= 0 {
		return base, 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(name))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(window)))
	return &spreadSchedule{base: base, first: next.Add(jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
