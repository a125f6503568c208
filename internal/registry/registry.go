// Package registry keeps track of the live sessions of the process by PIN.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/session"
	"github.com/victornm/quizlive/internal/telemetry"
)

const (
	defaultPinLength      = 6
	defaultMaxPinAttempts = 32
	defaultIdleTTL        = 10 * time.Minute
	defaultBootstrapTTL   = 2 * time.Minute
	defaultSweepInterval  = 30 * time.Second
)

var ErrPinExhausted = errors.New(errors.CodeResourceExhausted, errors.WithMessagef("no free game pin available"))

type Config struct {
	PinLength      int
	MaxPinAttempts int
	// IdleTTL is how long a finished or aborted session stays reachable.
	IdleTTL time.Duration
	// BootstrapTTL is how long a session waits for its host to connect.
	BootstrapTTL  time.Duration
	SweepInterval time.Duration

	// Session is the template for new sessions; PIN, questions and host are
	// filled per game.
	Session session.Config

	Rand    io.Reader
	Now     func() time.Time
	OnEvict func(pin string)
}

type Registry struct {
	c Config

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func New(c Config) *Registry {
	if c.PinLength <= 0 {
		c.PinLength = defaultPinLength
	}
	if c.MaxPinAttempts <= 0 {
		c.MaxPinAttempts = defaultMaxPinAttempts
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.BootstrapTTL <= 0 {
		c.BootstrapTTL = defaultBootstrapTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Registry{
		c:        c,
		sessions: make(map[string]*session.Session),
	}
}

// CreateRequest describes a new game. HostConn may be empty when the host
// connects after creating the game.
type CreateRequest struct {
	Questions []domain.Question
	HostID    string
	HostConn  string
}

// Create registers a new session in the lobby under a fresh PIN.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if len(req.Questions) == 0 {
		return nil, errors.InvalidArgument("a game needs at least one question")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pin, err := r.newPIN()
	if err != nil {
		return nil, err
	}

	c := r.c.Session
	c.PIN = pin
	c.Questions = req.Questions
	c.HostID = req.HostID
	c.HostConn = req.HostConn
	onFault := c.OnFault
	c.OnFault = func(pin string) {
		r.Remove(pin)
		if onFault != nil {
			onFault(pin)
		}
	}

	s := session.New(c)
	r.sessions[pin] = s

	telemetry.SessionsCreated.Inc()
	slog.InfoContext(ctx, "registry: game created", "pin", pin, "host", req.HostID, "questions", len(req.Questions))

	return s, nil
}

// newPIN draws PINs until one is free. Must be called with mu held.
func (r *Registry) newPIN() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.c.PinLength)), nil)

	for range r.c.MaxPinAttempts {
		n, err := rand.Int(r.c.Rand, limit)
		if err != nil {
			return "", errors.Internal(fmt.Errorf("generate pin: %w", err))
		}

		pin := fmt.Sprintf("%0*d", r.c.PinLength, n)
		if _, ok := r.sessions[pin]; !ok {
			return pin, nil
		}
	}

	return "", ErrPinExhausted
}

// Lookup returns the session registered under pin.
func (r *Registry) Lookup(pin string) (*session.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[pin]
	r.mu.RUnlock()

	if !ok {
		return nil, session.ErrNotFound(pin)
	}
	return s, nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove evicts pin immediately.
func (r *Registry) Remove(pin string) {
	r.mu.Lock()
	s, ok := r.sessions[pin]
	delete(r.sessions, pin)
	r.mu.Unlock()

	if ok {
		r.evicted(pin, s)
	}
}

// ExpireIdle evicts sessions that ended more than IdleTTL ago and sessions
// whose host never showed up within BootstrapTTL. It returns the evicted PINs.
func (r *Registry) ExpireIdle(now time.Time) []string {
	var expired []string

	r.mu.Lock()
	evicted := make(map[string]*session.Session)
	for pin, s := range r.sessions {
		switch {
		case s.State().Terminal() && now.Sub(s.LastActivity()) > r.c.IdleTTL:
		case !s.HostArrived() && now.Sub(s.CreatedAt()) > r.c.BootstrapTTL:
		default:
			continue
		}

		delete(r.sessions, pin)
		evicted[pin] = s
		expired = append(expired, pin)
	}
	r.mu.Unlock()

	for pin, s := range evicted {
		r.evicted(pin, s)
	}

	return expired
}

func (r *Registry) evicted(pin string, s *session.Session) {
	s.Close()
	telemetry.SessionsEvicted.Inc()
	slog.Info("registry: game evicted", "pin", pin, "state", s.State())

	if r.c.OnEvict != nil {
		r.c.OnEvict(pin)
	}
}

// Run sweeps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.c.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pins := r.ExpireIdle(r.c.Now()); len(pins) > 0 {
				slog.InfoContext(ctx, "registry: swept idle games", "count", len(pins))
			}
		}
	}
}

// Close evicts every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for pin, s := range all {
		r.evicted(pin, s)
	}
}
