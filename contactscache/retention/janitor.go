// Package retention adapts the teacher's spilldb/db.Janitor (a
// ticker-driven background sweep) into a scheduler for
// purge_deleted_before. This is orchestration around the
// transactional store contract, not part of it — spec.md places
// retention/purge scheduling out of the core's scope, but a caller
// still needs somewhere to run it from.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/autotech-aaos/contactscache/contactscache/store"
)

// Janitor periodically purges tombstoned rows older than Retention.
type Janitor struct {
	Logf func(format string, v ...interface{})

	store     store.Store
	retention time.Duration
	nowMs     func() int64

	ctx      context.Context
	cancelFn func()
	done     chan struct{}
	cleanNow chan struct{}
}

// NewJanitor returns a Janitor that purges tombstones older than
// retention. The sweep interval is passed to Run.
func NewJanitor(s store.Store, retention time.Duration, nowMs func() int64) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		Logf:      func(string, ...interface{}) {},
		store:     s,
		retention: retention,
		nowMs:     nowMs,
		ctx:       ctx,
		cancelFn:  cancel,
		done:      make(chan struct{}),
		cleanNow:  make(chan struct{}, 1),
	}
}

// CleanNow requests an out-of-band sweep, coalesced if one is already
// pending.
func (j *Janitor) CleanNow() {
	select {
	case j.cleanNow <- struct{}{}:
	default:
	}
}

// Run blocks, sweeping every interval until Shutdown is called.
func (j *Janitor) Run(interval time.Duration) error {
	defer close(j.done)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return nil
		case <-t.C:
		case <-j.cleanNow:
		}

		if err := j.clean(); err != nil {
			if err == context.Canceled {
				return nil
			}
			j.Logf("retention: clean failed: %v", err)
		}
	}
}

// Shutdown stops the janitor and waits for Run to return.
func (j *Janitor) Shutdown(ctx context.Context) error {
	j.cancelFn()
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (j *Janitor) clean() error {
	start := time.Now()
	cutoff := j.nowMs() - j.retention.Milliseconds()

	count, err := j.store.PurgeDeletedBefore(j.ctx, cutoff)

	msg := fmt.Sprintf(`{"where": "retention", "what": "purge_deleted_before", "rows_purged": %d, "duration": %q`, count, time.Since(start))
	if err != nil {
		msg += fmt.Sprintf(`, "err": %q`, err.Error())
	}
	j.Logf("%s}", msg)

	return err
}
