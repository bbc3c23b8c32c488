package casstore

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// casRetryDelays are the linear backoff delays between CAS conflict
// retries (spec §4.5 step 4: 100ms, 200ms, 300ms).
var casRetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// AppendWithFreshTip resolves the current tip for pi, then attempts
// AppendVersion. On a conflict it re-resolves the tip and retries, up to
// len(casRetryDelays)+1 total attempts with linear backoff between them.
// Any non-conflict error aborts immediately.
func (c *Client) AppendWithFreshTip(ctx context.Context, pi string, components map[string]string, note string) (*AppendVersionResult, error) {
	var result *AppendVersionResult
	attempt := 0

	err := retry.Do(
		func() error {
			tip, err := c.ResolveTip(ctx, pi)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			res, err := c.AppendVersion(ctx, pi, tip.Tip, components, note)
			if err != nil {
				if IsConflict(err) {
					attempt++
					return err // retryable
				}
				return retry.Unrecoverable(err)
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(len(casRetryDelays)+1)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) < len(casRetryDelays) {
				return casRetryDelays[n]
			}
			return casRetryDelays[len(casRetryDelays)-1]
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
