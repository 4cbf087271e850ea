package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goerrors "github.com/goliatone/go-errors"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/runner"
)

// HandlerFunc receives a payload published on a topic.
type HandlerFunc func(ctx context.Context, topic string, payload any) error

const (
	ErrCodeNoSubscribers = "DISPATCH_NO_SUBSCRIBERS"
	ErrCodeHandlerFailed = "DISPATCH_HANDLER_FAILED"
)

// Dispatcher is an in-process topic bus. Publishing runs every handler
// subscribed to the topic, each through its own runner.Handler.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]*subscriber
	ExitOnErr bool
	Strict    bool
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// NewDispatcher applies the given options to a new instance of the dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:  make(map[string][]*subscriber),
		ExitOnErr: false,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithExitOnError stops delivery at the first failing handler.
func WithExitOnError() Option {
	return func(d *Dispatcher) {
		d.ExitOnErr = true
	}
}

// WithStrict makes publishing to a topic with no subscribers an error.
func WithStrict() Option {
	return func(d *Dispatcher) {
		d.Strict = true
	}
}

type subscriber struct {
	runner *runner.Handler
	fn     HandlerFunc
}

// Subscribe registers fn for topic. The runner options control retries and
// timeouts of each delivery.
func (d *Dispatcher) Subscribe(topic string, fn HandlerFunc, runnerOpts ...runner.Option) Subscription {
	s := &subscriber{runner: runner.NewHandler(runnerOpts...), fn: fn}

	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], s)
	d.mu.Unlock()

	return &subs{dispatcher: d, topic: topic, handler: s}
}

// Subscribers reports how many handlers listen on topic.
func (d *Dispatcher) Subscribers(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic])
}

func (d *Dispatcher) snapshot(topic string) []*subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*subscriber(nil), d.handlers[topic]...)
}

// Publish delivers payload to every subscriber of topic in subscription
// order. Handler errors are joined unless ExitOnErr is set; a panicking
// handler surfaces as a SYSTEM_ERROR failure.
func (d *Dispatcher) Publish(ctx context.Context, topic string, payload any) error {
	handlers := d.snapshot(topic)
	if len(handlers) == 0 {
		if d.Strict {
			return goerrors.New(fmt.Sprintf("no subscribers for topic %s", topic), goerrors.CategoryNotFound).
				WithTextCode(ErrCodeNoSubscribers)
		}
		return nil
	}

	if ctx.Err() != nil {
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context canceled or deadline exceeded")
	}

	var errs error
	for _, s := range handlers {
		err := s.runner.Run(ctx, func(ctx context.Context, _ int) (err error) {
			if failure := rollout.Guard("dispatcher."+topic, func() {
				err = s.fn(ctx, topic, payload)
			}); failure != nil {
				return failure
			}
			return err
		})
		if err == nil {
			continue
		}
		wrapped := goerrors.Wrap(err, goerrors.CategoryHandler, fmt.Sprintf("handler failed for topic %s", topic)).
			WithTextCode(ErrCodeHandlerFailed)
		if d.ExitOnErr {
			return wrapped
		}
		errs = errors.Join(errs, wrapped)
	}
	return errs
}
