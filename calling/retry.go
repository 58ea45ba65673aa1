/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// retryPolicy drives the media setup retry loop: a fixed attempt budget, a
// flat backoff between attempts, and an abort predicate checked before each
// attempt so a dead call is never repaired.
type retryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration

	// Abort reports whether further attempts are pointless (the call left
	// the expected status). Checked before every attempt and after every
	// backoff sleep.
	Abort func() bool
}

// defaultSetupRetry is the negotiation budget: two attempts, one second apart.
func defaultSetupRetry(abort func() bool) retryPolicy {
	return retryPolicy{MaxAttempts: 2, Backoff: time.Second, Abort: abort}
}

// run executes op until it succeeds, the budget is exhausted, the abort
// predicate fires, or ctx is done. It returns nil on success,
// ErrSetupAborted on abort, and the last attempt's error otherwise.
func (p retryPolicy) run(ctx context.Context, log *logrus.Entry, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Abort != nil && p.Abort() {
			return ErrSetupAborted
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      p.MaxAttempts,
			"error":   lastErr,
		}).Warn("Media setup attempt failed")

		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if p.Abort != nil && p.Abort() {
		return ErrSetupAborted
	}
	return lastErr
}
