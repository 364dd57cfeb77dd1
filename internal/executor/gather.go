package executor

import (
	"context"
	"errors"
	"time"
)

// Gather waits for each future until a shared deadline and collects the
// outcomes of those that completed. It works with any Future.
func Gather(ctx context.Context, futures map[int64]Future, timeout time.Duration) map[int64]Outcome {
	outcomes := make(map[int64]Outcome, len(futures))
	if len(futures) == 0 {
		return outcomes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for id, fut := range futures {
		value, err := fut.Result(ctx)
		if errors.Is(err, ErrResultTimeout) {
			continue
		}
		outcomes[id] = Outcome{Value: value, Err: err}
	}
	return outcomes
}
