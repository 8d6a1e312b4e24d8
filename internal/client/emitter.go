package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// Transport is the duplex connection the emitter sends over. The
// implementation routes ack frames back to waiters by op id.
type Transport interface {
	Connected() bool
	Send(env protocol.Envelope) error
	AwaitAck(opID string) <-chan protocol.Ack
	CancelAck(opID string)
}

var (
	// ErrNotConnected is returned without sending when the transport
	// reports disconnected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAckTimeout is returned when no ack arrives within the timeout.
	ErrAckTimeout = errors.New("ack timeout")
)

// BusinessError is a terminal ok:false ack surfaced to the caller.
type BusinessError struct {
	Code    protocol.ErrCode
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options controls one EmitWithAck call.
type Options struct {
	Timeout time.Duration // per-attempt ack wait
	Retry   int           // extra attempts on retryable failure; total = Retry+1
	Backoff time.Duration // linear base between attempts; 0 = none
	OnRetry func(opID string)
}

// Emitter sends one operation and awaits its structured ack, retrying a
// bounded number of times on retryable failure.
type Emitter struct {
	transport Transport
	clock     clockwork.Clock
}

// NewEmitter creates an emitter. A nil clock uses the real clock.
func NewEmitter(transport Transport, clock clockwork.Clock) *Emitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Emitter{transport: transport, clock: clock}
}

// EmitWithAck sends env and waits for its ack. Retries reuse the same
// envelope — same op id, same sequence — so the server-side idempotency
// window collapses duplicate deliveries. Outcomes:
//   - ok:true ack → returned
//   - no ack within Timeout → ErrAckTimeout
//   - ok:false, retryable, attempts remain → backoff and resend
//   - ok:false otherwise → *BusinessError
//   - ack missing its error code → protocol error, never retried
func (e *Emitter) EmitWithAck(ctx context.Context, env protocol.Envelope, opts Options) (*protocol.Ack, error) {
	if !e.transport.Connected() {
		return nil, ErrNotConnected
	}

	attempts := opts.Retry + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		ack, err := e.sendOnce(ctx, env, opts.Timeout)
		if err != nil {
			return nil, err
		}

		if ack.OK {
			return ack, nil
		}
		if ack.Code == "" {
			return nil, fmt.Errorf("%w: ok:false ack without error code", protocol.ErrProtocol)
		}
		if !ack.Retryable || attempt == attempts {
			return nil, &BusinessError{Code: ack.Code, Message: ack.Error}
		}

		log.Debug().
			Str("op_id", env.OpID).
			Str("code", string(ack.Code)).
			Int("attempt", attempt).
			Msg("retryable failure, resending")
		if opts.OnRetry != nil {
			opts.OnRetry(env.OpID)
		}
		if err := e.wait(ctx, backoff(opts.Backoff, attempt)); err != nil {
			return nil, err
		}
		if !e.transport.Connected() {
			return nil, ErrNotConnected
		}
	}
	// Unreachable: the loop always returns.
	return nil, ErrAckTimeout
}

func (e *Emitter) sendOnce(ctx context.Context, env protocol.Envelope, timeout time.Duration) (*protocol.Ack, error) {
	ackCh := e.transport.AwaitAck(env.OpID)
	if err := e.transport.Send(env); err != nil {
		e.transport.CancelAck(env.OpID)
		return nil, fmt.Errorf("send failed: %w", err)
	}

	select {
	case ack := <-ackCh:
		return &ack, nil
	case <-e.clock.After(timeout):
		e.transport.CancelAck(env.OpID)
		return nil, fmt.Errorf("%w after %v", ErrAckTimeout, timeout)
	case <-ctx.Done():
		e.transport.CancelAck(env.OpID)
		return nil, ctx.Err()
	}
}

func (e *Emitter) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff is linear in the attempt number with up to 25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
