package ehci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softehci/pkg"
)

// poll evaluates cond until it reports true. It gives up with an error
// wrapping pkg.ErrTimeout once timeout elapses, or with the context error if
// ctx ends first. A zero timeout waits only on ctx.
func poll(ctx context.Context, timeout, interval time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if interval > 0 {
			time.Sleep(interval)
		}
		if cond() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("no response after %v: %w", timeout, pkg.ErrTimeout)
		}
	}
}
