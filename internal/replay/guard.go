package replay

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mucan54/remoteql/internal/qerr"
)

// Guard rejects stale and repeated requests. Timestamps must fall inside
// the validity window (with a clock-skew tolerance for the future side),
// and request identifiers are single-use for the window's duration.
type Guard struct {
	window time.Duration
	skew   time.Duration
	nonces *expirable.LRU[string, struct{}]
	now    func() time.Time
}

func NewGuard(window, skew time.Duration, maxNonces int) *Guard {
	if maxNonces <= 0 {
		maxNonces = 100_000
	}
	return &Guard{
		window: window,
		skew:   skew,
		nonces: expirable.NewLRU[string, struct{}](maxNonces, nil, window),
		now:    time.Now,
	}
}

// Check validates one request's timestamp and nonce. Either may be absent
// individually depending on deployment configuration; pass a zero time or
// empty nonce to skip that half.
func (g *Guard) Check(timestamp time.Time, nonce string) error {
	if !timestamp.IsZero() {
		now := g.now()
		if now.Sub(timestamp) > g.window {
			return qerr.New(qerr.KindReplay, "request timestamp is outside the validity window")
		}
		if timestamp.Sub(now) > g.skew {
			return qerr.New(qerr.KindReplay, "request timestamp is in the future")
		}
	}
	if nonce != "" {
		if _, used := g.nonces.Get(nonce); used {
			return qerr.New(qerr.KindReplay, "request identifier has already been used")
		}
		g.nonces.Add(nonce, struct{}{})
	}
	return nil
}
