package upstream

import (
	"context"
	"errors"
	"os"

	"github.com/polisai/siterelay/pkg/domain"
)

// classifyError maps a transport error onto the taxonomy. A client-side
// cancellation is returned as-is since nobody is left to answer.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Errorf(domain.ErrUpstreamUnavailable, "upstream timed out")
	}
	return domain.Errorf(domain.ErrUpstreamUnavailable, "upstream request failed: %v", err)
}
