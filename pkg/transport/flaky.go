package transport

import (
	"math/rand"
	"time"

	rcopy "github.com/sfontaine/rcopy"
)

// Flaky decorates a transport with probabilistic drop and bit flip errors
// on outgoing datagrams, standing in for an unreliable network. Incoming
// traffic is untouched, the peer injects its own errors.
type Flaky struct {
	inner rcopy.Transport
	rate  float64
	rng   *rand.Rand
}

// WithErrors wraps t so that each Send is, with probability rate, either
// dropped or delivered with a single flipped bit (even odds between the
// two). A fixed seed makes a run reproducible.
func WithErrors(t rcopy.Transport, rate float64, seed int64) *Flaky {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Flaky{inner: t, rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (f *Flaky) Send(p []byte) error {
	if f.rate > 0 && f.rng.Float64() < f.rate {
		if f.rng.Intn(2) == 0 {
			// Dropped on the floor, as far as the caller knows it was sent
			return nil
		}
		corrupted := make([]byte, len(p))
		copy(corrupted, p)
		bit := f.rng.Intn(len(corrupted) * 8)
		corrupted[bit/8] ^= 1 << (bit % 8)
		return f.inner.Send(corrupted)
	}
	return f.inner.Send(p)
}

func (f *Flaky) Recv(timeout time.Duration) ([]byte, error) {
	return f.inner.Recv(timeout)
}

func (f *Flaky) Close() error {
	return f.inner.Close()
}
