package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type Config struct {
	// PoolSize bounds the number of in-flight handlers per event name.
	PoolSize int
	// Timeout bounds a single handler call.
	Timeout time.Duration
}

// Bus is an in-memory event bus. Every event name gets its own worker pool so
// a slow subscriber of one event never holds back the others.
type Bus struct {
	c        Config
	wg       sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler
	pools    map[string]chan struct{}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	c := Config{
		PoolSize: defaultPoolSize,
		Timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &Bus{
		c:        c,
		handlers: make(map[string][]Handler),
		pools:    make(map[string]chan struct{}),
	}
}

type Option func(c *Config)

func WithPoolSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PoolSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
	if _, ok := b.pools[name]; !ok {
		b.pools[name] = make(chan struct{}, b.c.PoolSize)
	}
}

// Publish an event. Handlers run asynchronously, Publish only blocks while the
// pool of the event name is full.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	hs, pool := b.handlers[e.Name()], b.pools[e.Name()]
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatch(ctx, pool, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, pool chan struct{}, h Handler, e Event) {
	b.wg.Add(1)

	pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.c.Timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-pool
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
