// Package session implements the state machine of a single live quiz game.
//
// Every mutating event of a game runs on the session's own goroutine, in the
// order it was posted. Deadline timers never touch the state directly; they
// post an expiry event into the same queue.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/event"
	"github.com/victornm/quizlive/internal/ledger"
	"github.com/victornm/quizlive/internal/results"
	"github.com/victornm/quizlive/internal/telemetry"
)

const (
	defaultQueueSize      = 64
	defaultMaxViolations  = 10
	defaultReconnectGrace = 30 * time.Second
)

var (
	ErrNotHost           = errors.PermissionDenied("only the host can control the game")
	ErrHostCannotAnswer  = errors.PermissionDenied("the host cannot submit answers")
	ErrUnknownPlayer     = errors.PermissionDenied("not a player of this game")
	ErrHostBound         = errors.New(errors.CodeAlreadyExists, errors.WithMessagef("game already has a host"))
	ErrNameTaken         = errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player name already taken"))
	ErrInvalidName       = errors.InvalidArgument("player name is required")
	ErrGameStarted       = errors.FailedPrecondition("game already started")
	ErrNoPlayers         = errors.FailedPrecondition("at least one player is required to start")
	ErrGameFinished      = errors.FailedPrecondition("game has finished")
	ErrInvalidTransition = errors.FailedPrecondition("event not allowed in the current state")
	ErrLateAnswer        = ledger.ErrClosed
)

// ErrNotFound is returned for games that do not exist or were aborted.
func ErrNotFound(pin string) *errors.Error {
	return errors.NotFound("game %s not found", pin)
}

// Broadcaster delivers a message to every connection bound to a PIN.
type Broadcaster interface {
	Broadcast(pin string, m domain.Message)
}

// Timer is the part of *time.Timer the session needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a timer calling f after d.
type AfterFunc func(d time.Duration, f func()) Timer

type Config struct {
	PIN         string
	Questions   []domain.Question
	HostID      string
	HostConn    string
	Broadcaster Broadcaster
	EventBus    *event.Bus

	ReconnectGrace time.Duration
	MaxViolations  int
	QueueSize      int

	Now       func() time.Time
	AfterFunc AfterFunc
	NewID     func() string
	// OnFault is called, off the session goroutine, after a panic aborted the game.
	OnFault func(pin string)
}

type Session struct {
	c Config

	// owned by the session goroutine
	index         int
	players       map[string]*domain.Player
	order         []string
	ledgers       []*ledger.Ledger
	rounds        []results.Round
	timer         Timer
	questionStart time.Time
	current       domain.QuestionServed
	hostConn      string
	violations    int

	// safe to read from any goroutine
	createdAt    time.Time
	state        atomic.Int32
	lastActivity atomic.Int64
	hostArrived  atomic.Bool
	results      atomic.Pointer[domain.Results]
	snapshot     atomic.Pointer[domain.SessionInfo]

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once
}

type command struct {
	fn    func() error
	reply chan error
}

// New creates a session in the lobby and starts its event loop.
func New(c Config) *Session {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if c.NewID == nil {
		c.NewID = newPlayerID
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = defaultMaxViolations
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = defaultReconnectGrace
	}

	s := &Session{
		c:         c,
		players:   make(map[string]*domain.Player),
		ledgers:   make([]*ledger.Ledger, len(c.Questions)),
		hostConn:  c.HostConn,
		createdAt: c.Now(),
		inbox:     make(chan command, c.QueueSize),
		done:      make(chan struct{}),
	}
	for i, q := range c.Questions {
		s.ledgers[i] = ledger.New(q)
	}

	s.state.Store(int32(domain.StateLobby))
	s.lastActivity.Store(s.createdAt.UnixNano())
	s.hostArrived.Store(c.HostConn != "")
	s.publishSnapshot()

	telemetry.SessionsActive.Inc()
	go s.loop()

	return s
}

func (s *Session) PIN() string { return s.c.PIN }

func (s *Session) HostID() string { return s.c.HostID }

func (s *Session) State() domain.State { return domain.State(s.state.Load()) }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// HostArrived reports whether a host connection was ever bound.
func (s *Session) HostArrived() bool { return s.hostArrived.Load() }

// Results returns the final report once the game finished.
func (s *Session) Results() (*domain.Results, bool) {
	r := s.results.Load()
	return r, r != nil
}

// Snapshot returns the view published after the last processed event. It
// never waits on the event queue.
func (s *Session) Snapshot() domain.SessionInfo {
	return *s.snapshot.Load()
}

// Info returns a view consistent with every event posted before the call.
func (s *Session) Info(ctx context.Context) (domain.SessionInfo, error) {
	err := s.do(ctx, func() error { return nil })
	if err != nil && !s.closed() {
		return domain.SessionInfo{}, err
	}
	return s.Snapshot(), nil
}

// Done is closed once the session stopped processing events.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the event loop and any pending timer. It is used on eviction
// and does not broadcast anything.
func (s *Session) Close() {
	select {
	case s.inbox <- command{fn: func() error {
		s.stopTimer()
		s.stop()
		return nil
	}}:
	case <-s.done:
	}
}

func (s *Session) loop() {
	for {
		select {
		case cmd := <-s.inbox:
			err := s.apply(cmd.fn)
			s.publishSnapshot()
			if cmd.reply != nil {
				cmd.reply <- err
			}

			if s.State().Terminal() {
				s.stop()
			}
			if s.closed() {
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) apply(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		slog.Error("session: event processing panic",
			"pin", s.c.PIN,
			"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
		)
		err = errors.Internal(fmt.Errorf("session %s: %v", s.c.PIN, r))

		if !s.State().Terminal() {
			s.abort("internal error")
		}
		if s.c.OnFault != nil {
			go s.c.OnFault(s.c.PIN)
		}
	}()

	s.lastActivity.Store(s.c.Now().UnixNano())
	return fn()
}

// do posts fn to the event queue and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return s.closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting for it. Used by timers.
func (s *Session) post(fn func() error) {
	select {
	case s.inbox <- command{fn: fn}:
	case <-s.done:
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		telemetry.SessionsActive.Dec()
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) closedErr() error {
	if s.State() == domain.StateFinished {
		return ErrGameFinished
	}
	return ErrNotFound(s.c.PIN)
}

func (s *Session) publishSnapshot() {
	info := domain.SessionInfo{
		PIN:           s.c.PIN,
		State:         s.State(),
		QuestionIndex: s.index,
		Questions:     len(s.c.Questions),
		Players:       s.playerList(),
		HostConnected: s.hostConn != "",
		CreatedAt:     s.createdAt,
	}
	s.snapshot.Store(&info)
}
