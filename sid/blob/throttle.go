// sid/blob/throttle.go

package blob

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits the write bandwidth of s to bytesPerSec. A non-positive
// limit returns s unchanged. Reads are not limited.
func Throttle(s Store, bytesPerSec int64) Store {
	if bytesPerSec <= 0 {
		return s
	}
	burst := int(min(bytesPerSec, int64(1<<30)))
	return &throttled{Store: s, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

type throttled struct {
	Store
	limiter *rate.Limiter
}

func (t *throttled) Put(ctx context.Context, name string, data []byte) error {
	burst := t.limiter.Burst()
	for off := 0; off < len(data); {
		n := min(burst, len(data)-off)
		if err := t.limiter.WaitN(ctx, n); err != nil {
			return err
		}
		off += n
	}
	return t.Store.Put(ctx, name, data)
}
