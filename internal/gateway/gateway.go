// Package gateway binds client connections to games and routes their
// messages to the sessions.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/quiz"
	"github.com/victornm/quizlive/internal/registry"
	"github.com/victornm/quizlive/internal/session"
	"github.com/victornm/quizlive/internal/telemetry"
)

var (
	ErrUnauthenticated = errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host token is required"))
	ErrAlreadyBound    = errors.FailedPrecondition("connection is already bound to a game")
	ErrHostCannotJoin  = errors.PermissionDenied("the host cannot join as a player")
	ErrNotFinished     = errors.FailedPrecondition("game has not finished")
	ErrMissingOption   = errors.InvalidArgument("option is required")
	ErrMissingPIN      = errors.InvalidArgument("pin is required")
)

func ErrUnknownEvent(event string) *errors.Error {
	return errors.InvalidArgument("unknown event %q", event)
}

// Conn is a client connection. Send must not block: it returns false when the
// message could not be queued.
type Conn interface {
	ID() string
	Send(m domain.Message) bool
	Close()
}

// Identity is what the transport learned about a connection when it opened.
type Identity struct {
	// HostID is set for connections that presented a valid host token.
	HostID string
	Legacy bool
}

// Envelope is an inbound client message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ResultsStore returns the results of games that already left the registry.
type ResultsStore interface {
	GetResults(ctx context.Context, pin string) (*domain.Results, error)
}

type Config struct {
	Registry registry.Config
	Quizzes  quiz.Source
	Defaults quiz.Defaults
	Results  ResultsStore
}

type role int

const (
	roleNone role = iota
	roleHost
	rolePlayer
)

type binding struct {
	conn     Conn
	id       Identity
	pin      string
	role     role
	playerID string
}

type Gateway struct {
	c   Config
	reg *registry.Registry

	mu    sync.RWMutex
	conns map[string]*binding
	pins  map[string]map[string]*binding
}

// New creates the gateway and the registry of the sessions it serves.
func New(c Config) *Gateway {
	g := &Gateway{
		c:     c,
		conns: make(map[string]*binding),
		pins:  make(map[string]map[string]*binding),
	}

	rc := c.Registry
	rc.Session.Broadcaster = g
	onEvict := rc.OnEvict
	rc.OnEvict = func(pin string) {
		g.Unbind(pin)
		if onEvict != nil {
			onEvict(pin)
		}
	}
	g.reg = registry.New(rc)

	return g
}

func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Connect registers a new connection.
func (g *Gateway) Connect(conn Conn, id Identity) {
	g.mu.Lock()
	g.conns[conn.ID()] = &binding{conn: conn, id: id}
	g.mu.Unlock()

	telemetry.Connections.Inc()
}

// Disconnect forgets connID. A host leaving aborts its game, a player leaving
// goes offline.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	b, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
		g.unindex(b)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	telemetry.Connections.Dec()

	if b.pin == "" {
		return
	}
	s, err := g.reg.Lookup(b.pin)
	if err != nil {
		return
	}

	switch b.role {
	case roleHost:
		err = s.HostLost(ctx, connID)
	case rolePlayer:
		err = s.Leave(ctx, b.playerID, connID)
	}
	if err != nil {
		slog.DebugContext(ctx, "gateway: disconnect not applied", "pin", b.pin, "conn", connID, "error", err)
	}
}

// Broadcast sends m to every connection bound to pin. Slow or closed peers
// are skipped.
func (g *Gateway) Broadcast(pin string, m domain.Message) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, b := range g.pins[pin] {
		g.send(b, m)
	}
}

// Unbind detaches every connection from pin. The connections stay open.
func (g *Gateway) Unbind(pin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range g.pins[pin] {
		b.pin, b.role, b.playerID = "", roleNone, ""
	}
	delete(g.pins, pin)
}

// Handle processes one inbound message of connID. Rejections are sent back
// to that connection only.
func (g *Gateway) Handle(ctx context.Context, connID string, env Envelope) {
	b, ok := g.binding(connID)
	if !ok {
		return
	}

	if b.id.Legacy {
		env = fromLegacy(env)
	}

	if err := g.dispatch(ctx, b, env); err != nil {
		g.reject(ctx, b, env.Event, err)
	}
}

// Reject sends err to connID as an error message.
func (g *Gateway) Reject(ctx context.Context, connID, event string, err error) {
	if b, ok := g.binding(connID); ok {
		g.reject(ctx, b, event, err)
	}
}

func (g *Gateway) reject(ctx context.Context, b binding, event string, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "gateway: handle event failed", "event", event, "conn", b.conn.ID(), "error", err)
	}

	g.send(&b, domain.Message{
		Event: domain.MessageError,
		Data: domain.ErrorMessage{
			Code:    e.Code.String(),
			Message: e.Message,
			Event:   event,
		},
	})
}

func (g *Gateway) dispatch(ctx context.Context, b binding, env Envelope) error {
	switch env.Event {
	case domain.MessageCreateGame:
		return g.createGame(ctx, b, env.Data)
	case domain.MessageHostGame:
		return g.hostGame(ctx, b, env.Data)
	case domain.MessageJoinGame:
		return g.joinGame(ctx, b, env.Data)
	case domain.MessageStartGame:
		return g.startGame(ctx, b, env.Data)
	case domain.MessageSubmitAnswer:
		return g.submitAnswer(ctx, b, env.Data)
	case domain.MessageNextQuestion:
		return g.nextQuestion(ctx, b, env.Data)
	case domain.MessageGetResults:
		return g.getResults(ctx, b, env.Data)
	default:
		return ErrUnknownEvent(env.Event)
	}
}

func (g *Gateway) send(b *binding, m domain.Message) {
	if b.id.Legacy {
		m = toLegacy(m)
	}

	if !b.conn.Send(m) {
		telemetry.BroadcastDropped.Inc()
		slog.Debug("gateway: message dropped", "conn", b.conn.ID(), "event", m.Event)
	}
}

// binding returns a copy of the binding of connID.
func (g *Gateway) binding(connID string) (binding, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	b, ok := g.conns[connID]
	if !ok {
		return binding{}, false
	}
	return *b, true
}

func (g *Gateway) bind(connID, pin string, r role, playerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.conns[connID]
	if !ok {
		return
	}

	g.unindex(b)
	b.pin, b.role, b.playerID = pin, r, playerID

	if pin == "" {
		return
	}
	if g.pins[pin] == nil {
		g.pins[pin] = make(map[string]*binding)
	}
	g.pins[pin][connID] = b
}

func (g *Gateway) unbind(connID string) {
	g.bind(connID, "", roleNone, "")
}

// unindex removes b from the pin index. Must be called with mu held.
func (g *Gateway) unindex(b *binding) {
	if b.pin == "" {
		return
	}

	conns := g.pins[b.pin]
	delete(conns, b.conn.ID())
	if len(conns) == 0 {
		delete(g.pins, b.pin)
	}
}

func (g *Gateway) lookup(pin string) (*session.Session, error) {
	if pin == "" {
		return nil, ErrMissingPIN
	}
	return g.reg.Lookup(pin)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidArgument("malformed message: %s", err)
	}
	return nil
}
