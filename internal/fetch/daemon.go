package fetch

import (
	"context"
	"time"

	"github.com/infodancer/pop3fetch/internal/logging"
)

// Daemon repeats polling cycles until its context is cancelled.
type Daemon struct {
	// Interval is the wait between cycles that went well.
	Interval time.Duration

	// Backoff spaces out cycles after transient failures such as a
	// locked mailbox or an unreachable server.
	Backoff BackoffConfig

	// Cycle runs one polling cycle and reports its combined result.
	Cycle func(ctx context.Context) Result
}

// Run runs cycles until ctx is done. It returns the result of the last
// completed cycle.
func (d *Daemon) Run(ctx context.Context) Result {
	logger := logging.FromContext(ctx)
	failures := 0

	for {
		last := d.Cycle(ctx)
		if ctx.Err() != nil {
			return last
		}

		wait := d.Interval
		if last.Transient() {
			failures++
			if backoff := d.Backoff.Delay(failures); backoff < wait {
				wait = backoff
			}
			logger.Info("transient failure, retrying early", "result", last.String(), "attempt", failures, "wait", wait)
		} else {
			failures = 0
			logger.Debug("sleeping until next poll", "result", last.String(), "wait", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}
