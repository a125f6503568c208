package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/event"
)

func finished(pin string) event.Event {
	return domain.EventGameFinished{Results: domain.Results{PIN: pin}}
}

func aborted(pin string) event.Event {
	return domain.EventGameAborted{PIN: pin, Reason: "host disconnected"}
}

// recorder collects the PINs each named subscriber was handed.
type recorder struct {
	mu       sync.Mutex
	received map[string][]string
}

func (r *recorder) handler(subscriber string) event.Handler {
	return func(_ context.Context, e event.Event) error {
		var pin string
		switch e := e.(type) {
		case domain.EventGameFinished:
			pin = e.Results.PIN
		case domain.EventGameAborted:
			pin = e.PIN
		}

		r.mu.Lock()
		r.received[subscriber] = append(r.received[subscriber], e.Name()+":"+pin)
		r.mu.Unlock()
		return nil
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	type subscription struct {
		subscriber string
		events     []string
	}

	tests := map[string]struct {
		subscriptions []subscription
		published     []event.Event
		want          map[string][]string
	}{
		"subscriber should only receive the events it subscribed to": {
			subscriptions: []subscription{
				{subscriber: "report", events: []string{domain.EventNameGameFinished}},
			},
			published: []event.Event{finished("111111"), aborted("222222")},
			want: map[string][]string{
				"report": {"game.finished:111111"},
			},
		},

		"every publication should be delivered": {
			subscriptions: []subscription{
				{subscriber: "report", events: []string{domain.EventNameGameFinished}},
			},
			published: []event.Event{finished("111111"), finished("222222")},
			want: map[string][]string{
				"report": {"game.finished:111111", "game.finished:222222"},
			},
		},

		"an event should reach every subscriber": {
			subscriptions: []subscription{
				{subscriber: "report", events: []string{domain.EventNameGameAborted}},
				{subscriber: "audit", events: []string{domain.EventNameGameAborted}},
			},
			published: []event.Event{aborted("333333")},
			want: map[string][]string{
				"report": {"game.aborted:333333"},
				"audit":  {"game.aborted:333333"},
			},
		},

		"subscribers of several events should receive each of them": {
			subscriptions: []subscription{
				{subscriber: "report", events: []string{domain.EventNameGameFinished, domain.EventNameGameAborted}},
				{subscriber: "audit", events: []string{domain.EventNameGameAborted}},
			},
			published: []event.Event{finished("111111"), aborted("222222"), finished("333333")},
			want: map[string][]string{
				"report": {"game.finished:111111", "game.aborted:222222", "game.finished:333333"},
				"audit":  {"game.aborted:222222"},
			},
		},

		"events without subscribers should be dropped": {
			published: []event.Event{finished("111111")},
			want:      map[string][]string{},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := &recorder{received: make(map[string][]string)}
			b := event.NewBus()
			for _, s := range tc.subscriptions {
				for _, e := range s.events {
					b.Subscribe(e, r.handler(s.subscriber))
				}
			}

			for _, e := range tc.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			assert.Len(t, r.received, len(tc.want))
			for sub, want := range tc.want {
				assert.ElementsMatch(t, want, r.received[sub], sub)
			}
		})
	}
}

func TestBus_HandlerFailures(t *testing.T) {
	t.Parallel()

	b := event.NewBus(event.WithPoolSize(1))

	var (
		mu       sync.Mutex
		received []string
	)

	b.Subscribe(domain.EventNameGameFinished, func(context.Context, event.Event) error {
		panic("handler exploded")
	})
	b.Subscribe(domain.EventNameGameFinished, func(context.Context, event.Event) error {
		mu.Lock()
		received = append(received, "after-panic")
		mu.Unlock()
		return nil
	})
	b.Subscribe(domain.EventNameGameAborted, func(context.Context, event.Event) error {
		mu.Lock()
		received = append(received, "failing")
		mu.Unlock()
		return errors.New("handler failed")
	})

	b.Publish(context.Background(), finished("111111"))
	b.Publish(context.Background(), aborted("111111"))
	b.Stop()

	assert.ElementsMatch(t, []string{"after-panic", "failing"}, received)
}

func TestBus_PoolSize(t *testing.T) {
	t.Parallel()

	const pool = 2
	b := event.NewBus(event.WithPoolSize(pool))

	var running, peak atomic.Int32
	b.Subscribe(domain.EventNameGameFinished, func(context.Context, event.Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	for range 10 {
		b.Publish(context.Background(), finished("111111"))
	}
	b.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(pool))
}

func TestBus_Timeout(t *testing.T) {
	t.Parallel()

	b := event.NewBus(event.WithTimeout(20 * time.Millisecond))

	var err atomic.Value
	b.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, _ event.Event) error {
		<-ctx.Done()
		err.Store(ctx.Err())
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.Publish(ctx, finished("111111"))
	cancel()
	b.Stop()

	assert.ErrorIs(t, err.Load().(error), context.DeadlineExceeded, "handler should outlive the publisher's context")
}
