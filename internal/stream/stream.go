package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// AuthError marks a broker rejection of the access token (401/403). Auth
// errors are never retried by the connection loop; they escalate to a token
// refresh instead.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication rejected (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("authentication rejected (status %d)", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Options configures one reconnecting duplex stream.
type Options struct {
	Name string

	// Authorize returns a one-time authorized wss URL. Returning an
	// AuthError stops the loop permanently.
	Authorize func(ctx context.Context) (string, error)

	// OnMessage receives every non-empty frame.
	OnMessage func(typ websocket.MessageType, data []byte)

	// OnConnect runs after every successful connect, before the receive
	// loop. Used to replay subscriptions after a reconnect.
	OnConnect func(ctx context.Context) error

	// OnAuthFailure fires exactly once, when the loop halts on an
	// authentication error.
	OnAuthFailure func()

	BackoffMin time.Duration
	BackoffMax time.Duration
	Logger     *zap.Logger
}

// Stream is a reconnecting websocket connection. Transient failures retry
// forever with capped exponential backoff, reset to the minimum after every
// successful connect. Authentication failures halt the instance.
type Stream struct {
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(opts Options) *Stream {
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Stream{opts: opts}
}

// Start runs the connection loop in its own goroutine.
func (s *Stream) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Stream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Send writes a control frame on the current connection.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s stream not connected", s.opts.Name)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Run is the connection loop. It returns on context cancellation or on an
// authentication error, never on a transient failure.
func (s *Stream) Run(ctx context.Context) error {
	log := s.opts.Logger
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url, err := s.opts.Authorize(ctx)
		if err != nil {
			if IsAuthError(err) {
				return s.haltOnAuth(err)
			}
			if !errors.Is(err, context.Canceled) {
				log.Warn("stream authorize failed", zap.String("stream", s.opts.Name), zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}

		conn, resp, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return s.haltOnAuth(&AuthError{Status: resp.StatusCode, Err: err})
			}
			if !errors.Is(err, context.Canceled) {
				log.Warn("stream connect failed", zap.String("stream", s.opts.Name), zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(2 << 20) // full-mode tick batches can be large
		s.setConn(conn)
		log.Info("stream connected", zap.String("stream", s.opts.Name))
		backoff = s.opts.BackoffMin

		if s.opts.OnConnect != nil {
			if err := s.opts.OnConnect(ctx); err != nil {
				log.Warn("stream on-connect hook failed", zap.String("stream", s.opts.Name), zap.Error(err))
				s.setConn(nil)
				_ = conn.Close(websocket.StatusInternalError, "on-connect failed")
				if err := sleepWithJitter(ctx, backoff); err != nil {
					return err
				}
				backoff = nextBackoff(backoff, s.opts.BackoffMax)
				continue
			}
		}

		err = s.consume(ctx, conn)
		s.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if errors.Is(err, context.Canceled) {
			return err
		}
		if !errors.Is(err, context.Canceled) && err != nil {
			log.Warn("stream disconnected", zap.String("stream", s.opts.Name), zap.Error(err))
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(typ, data)
		}
	}
}

func (s *Stream) haltOnAuth(err error) error {
	s.opts.Logger.Warn("stream halted on auth failure", zap.String("stream", s.opts.Name), zap.Error(err))
	if s.opts.OnAuthFailure != nil {
		s.opts.OnAuthFailure()
	}
	return err
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
