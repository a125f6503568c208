package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/session"
)

type recorder struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (r *recorder) Broadcast(_ string, m domain.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Event == event {
			return r.msgs[i], true
		}
	}
	return domain.Message{}, false
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback even if the timer was stopped, like a timer whose
// callback was already in flight when Stop was called.
func (t *fakeTimer) fire() {
	t.f()
}

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) AfterFunc(d time.Duration, f func()) session.Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) latest(t *testing.T) *fakeTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	require.NotEmpty(t, ts.all, "a timer should have been armed")
	return ts.all[len(ts.all)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	s      *session.Session
	rec    *recorder
	timers *timers
	clock  *clock
	faults chan string
}

const hostConn = "host-conn"

func questions(n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := range n {
		qs = append(qs, domain.Question{
			ID:          fmt.Sprintf("q%d", i+1),
			Prompt:      fmt.Sprintf("question %d", i+1),
			Options:     []string{"A", "B", "C", "D"},
			Correct:     []int{0},
			TimeLimitMs: 30000,
			MaxPoints:   1000,
		})
	}
	return qs
}

func newFixture(t *testing.T, opts ...func(c *session.Config)) *fixture {
	f := &fixture{
		rec:    &recorder{},
		timers: &timers{},
		clock:  &clock{now: time.Unix(1700000000, 0)},
		faults: make(chan string, 1),
	}

	seq := 0
	c := session.Config{
		PIN:         "123456",
		Questions:   questions(2),
		HostID:      "host-1",
		HostConn:    hostConn,
		Broadcaster: f.rec,
		Now:         f.clock.Now,
		AfterFunc:   f.timers.AfterFunc,
		NewID: func() string {
			seq++
			return fmt.Sprintf("p%d", seq)
		},
		OnFault: func(pin string) { f.faults <- pin },
	}
	for _, opt := range opts {
		opt(&c)
	}

	f.s = session.New(c)
	t.Cleanup(f.s.Close)
	return f
}

func (f *fixture) join(t *testing.T, name, conn string) domain.Player {
	res, err := f.s.Join(context.Background(), session.JoinRequest{Name: name, ConnID: conn})
	require.NoError(t, err)
	return res.Player
}

func (f *fixture) info(t *testing.T) domain.SessionInfo {
	info, err := f.s.Info(context.Background())
	require.NoError(t, err)
	return info
}

func (f *fixture) submit(p domain.Player, option int, spent int64) error {
	return f.s.Submit(context.Background(), session.SubmitRequest{
		ConnID:      p.ConnID,
		PlayerID:    p.ID,
		Option:      option,
		TimeSpentMs: spent,
	})
}
