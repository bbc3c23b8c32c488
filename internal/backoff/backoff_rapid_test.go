package backoff

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestDelayMatchesBackoffMath checks P6: for k consecutive errors, Delay(k)
// falls within +/-25% of base = 1000 * 2^min(k-1,5) ms, capped at 60s.
func TestDelayMatchesBackoffMath(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 200).Draw(t, "consecutiveErrors")

		exp := k - 1
		if exp > maxExponent {
			exp = maxExponent
		}
		base := baseDelay * time.Duration(1<<uint(exp))
		if base > capDelay {
			base = capDelay
		}

		wantMin := time.Duration(float64(base) * (1 - jitterFrac))
		wantMax := time.Duration(float64(base) * (1 + jitterFrac))

		got := Delay(k)
		if got < wantMin || got > wantMax {
			t.Fatalf("Delay(%d) = %v, want in [%v, %v]", k, got, wantMin, wantMax)
		}
	})
}

// TestControllerOnErrorSequenceMatchesDelay drives a Controller through a
// random run of OnError/OnSuccess calls and checks every backoff window it
// records against the same formula Delay implements.
func TestControllerOnErrorSequenceMatchesDelay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New()
		fixedNow := time.Unix(1_700_000_000, 0)
		c.now = func() time.Time { return fixedNow }

		consecutive := 0
		steps := rapid.SliceOfN(rapid.Bool(), 1, 50).Draw(t, "errorThenSuccess")
		for _, isError := range steps {
			if isError {
				consecutive++
				c.OnError()

				exp := consecutive - 1
				if exp > maxExponent {
					exp = maxExponent
				}
				base := baseDelay * time.Duration(1<<uint(exp))
				if base > capDelay {
					base = capDelay
				}
				wantMin := float64(base) * (1 - jitterFrac)
				wantMax := float64(base) * (1 + jitterFrac)

				remaining := float64(c.Remaining())
				if remaining < wantMin-1 || remaining > wantMax+1 {
					t.Fatalf("after %d consecutive errors, Remaining() = %v, want in [%v, %v]",
						consecutive, c.Remaining(), time.Duration(wantMin), time.Duration(wantMax))
				}
				if got := c.Status().ConsecutiveErrors; got != consecutive {
					t.Fatalf("ConsecutiveErrors = %d, want %d", got, consecutive)
				}
			} else {
				c.OnSuccess()
				consecutive = 0
				if c.IsInBackoff() {
					t.Fatal("IsInBackoff() = true immediately after OnSuccess")
				}
			}
		}
	})
}
