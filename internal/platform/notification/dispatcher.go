package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sendTimeout bounds one detached delivery.
const sendTimeout = 15 * time.Second

// Recorder counts deliveries per transport.
type Recorder interface {
	NotificationDelivered(transport string, err error)
}

// DeliveryError reports a failed detached delivery.
type DeliveryError struct {
	Message Message
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s notification to %q: %v", e.Message.NotificationType, e.Message.Email, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher delivers messages on detached goroutines. The caller never
// waits and never sees a delivery error; failures are logged, counted and
// offered on Errors().
type Dispatcher struct {
	composer *Composer
	sender   Sender
	logger   zerolog.Logger
	rec      Recorder
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	errs   chan error
}

// NewDispatcher wires a composer to a sender. rec may be nil.
func NewDispatcher(composer *Composer, sender Sender, logger zerolog.Logger, rec Recorder) *Dispatcher {
	return &Dispatcher{
		composer: composer,
		sender:   sender,
		logger:   logger.With().Str("component", "notification").Str("transport", sender.Name()).Logger(),
		rec:      rec,
		timeout:  sendTimeout,
		errs:     make(chan error, 64),
	}
}

// Dispatch returns immediately. The send runs with its own deadline and is
// not tied to any request context.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn().Str("notification_type", string(msg.NotificationType)).Msg("dispatcher closed, dropping notification")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.deliver(ctx, msg); err != nil {
			d.fail(&DeliveryError{Message: msg, Err: err})
		}
	}()
}

// Send composes and delivers synchronously. Used by the send endpoint, which
// reports the outcome to its caller.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (*Envelope, error) {
	env, err := d.composer.Compose(msg)
	if err != nil {
		return nil, err
	}
	err = d.sender.Send(ctx, env)
	if d.rec != nil {
		d.rec.NotificationDelivered(d.sender.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	env, err := d.Send(ctx, msg)
	if err != nil {
		return err
	}
	d.logger.Debug().
		Str("envelope_id", env.ID).
		Str("provider_id", env.ProviderID).
		Str("notification_type", string(msg.NotificationType)).
		Msg("notification delivered")
	return nil
}

func (d *Dispatcher) fail(err *DeliveryError) {
	d.logger.Error().Err(err.Err).
		Str("notification_type", string(err.Message.NotificationType)).
		Str("type", string(err.Message.Type)).
		Msg("notification delivery failed")
	select {
	case d.errs <- err:
	default:
	}
}

// Errors yields delivery failures. Failures are dropped when nobody reads.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// Configured reports whether the transport has the credentials it needs.
func (d *Dispatcher) Configured() bool {
	if c, ok := d.sender.(configurable); ok {
		return c.Configured()
	}
	return true
}

// Close stops accepting messages and waits for in-flight sends, or until
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}
	if c, ok := d.sender.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
