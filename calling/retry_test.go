/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("test", true)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil on first success", func(t *testing.T) {
		p := retryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
		calls := 0
		err := p.run(ctx, quietLog(), func(context.Context) error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries up to the budget and returns the last error", func(t *testing.T) {
		p := retryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
		calls := 0
		boom := errors.New("boom")
		err := p.run(ctx, quietLog(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 2, calls)
	})

	t.Run("succeeds on the second attempt", func(t *testing.T) {
		p := retryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
		calls := 0
		err := p.run(ctx, quietLog(), func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("abort predicate stops before the first attempt", func(t *testing.T) {
		p := retryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, Abort: func() bool { return true }}
		calls := 0
		err := p.run(ctx, quietLog(), func(context.Context) error {
			calls++
			return nil
		})
		assert.ErrorIs(t, err, ErrSetupAborted)
		assert.Equal(t, 0, calls)
	})

	t.Run("abort predicate stops between attempts", func(t *testing.T) {
		aborted := false
		p := retryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, Abort: func() bool { return aborted }}
		calls := 0
		err := p.run(ctx, quietLog(), func(context.Context) error {
			calls++
			aborted = true
			return errors.New("fails, then the call dies")
		})
		assert.ErrorIs(t, err, ErrSetupAborted)
		assert.Equal(t, 1, calls)
	})

	t.Run("honors context cancellation during backoff", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := retryPolicy{MaxAttempts: 2, Backoff: time.Minute}
		err := p.run(cctx, quietLog(), func(context.Context) error {
			cancel()
			return errors.New("force a backoff")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
