package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/gateway"
	"github.com/victornm/quizlive/internal/quiz"
	"github.com/victornm/quizlive/internal/registry"
	"github.com/victornm/quizlive/internal/session"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []domain.Message
	full bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full {
		return false
	}
	c.msgs = append(c.msgs, m)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Event)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, event string) domain.Message {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Event == event {
			return c.msgs[i]
		}
	}
	require.Failf(t, "message not received", "conn %s has no %q message, got %v", c.id, event, c.msgs)
	return domain.Message{}
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

type noTimer struct{}

func (noTimer) Stop() bool { return true }

type harness struct {
	g *gateway.Gateway
}

func newHarness(t *testing.T, opts ...func(c *gateway.Config)) *harness {
	now := time.Unix(1700000000, 0)

	c := gateway.Config{
		Registry: registry.Config{
			Session: session.Config{
				Now:       func() time.Time { return now },
				AfterFunc: func(time.Duration, func()) session.Timer { return noTimer{} },
			},
		},
		Defaults: quiz.Defaults{TimeLimit: 30 * time.Second, MaxPoints: 1000},
	}
	for _, opt := range opts {
		opt(&c)
	}

	h := &harness{g: gateway.New(c)}
	t.Cleanup(h.g.Registry().Close)
	return h
}

func (h *harness) connect(id string, identity gateway.Identity) *fakeConn {
	c := &fakeConn{id: id}
	h.g.Connect(c, identity)
	return c
}

func (h *harness) send(t *testing.T, c *fakeConn, event string, data any) {
	t.Helper()

	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
	case string:
		raw = json.RawMessage(d)
	default:
		b, err := json.Marshal(d)
		require.NoError(t, err)
		raw = b
	}

	h.g.Handle(context.Background(), c.id, gateway.Envelope{Event: event, Data: raw})
}

var questions = []map[string]any{
	{"content": "2 + 2", "options": []string{"3", "4"}, "correct": []int{1}},
	{"content": "3 + 3", "options": []string{"6", "7"}, "correct": []int{0}},
}

// lobby creates a game hosted by a host connection with two players joined.
func (h *harness) lobby(t *testing.T) (pin string, host, p1, p2 *fakeConn) {
	t.Helper()

	host = h.connect("host", gateway.Identity{HostID: "alice"})
	h.send(t, host, domain.MessageCreateGame, map[string]any{"questions": questions})
	pin = host.last(t, domain.MessageGameCreated).Data.(domain.GameCreated).PIN

	p1 = h.connect("c1", gateway.Identity{})
	h.send(t, p1, domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "bob"})
	p1.last(t, domain.MessageGameJoined)

	p2 = h.connect("c2", gateway.Identity{})
	h.send(t, p2, domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "carol"})
	p2.last(t, domain.MessageGameJoined)

	return pin, host, p1, p2
}

func playerID(t *testing.T, c *fakeConn) string {
	return c.last(t, domain.MessageGameJoined).Data.(domain.GameJoined).Player.ID
}

func TestGateway_FullGame(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pin, host, p1, p2 := h.lobby(t)

	assert.Equal(t, 2, host.last(t, domain.MessagePlayerJoined).Data.(domain.PlayerJoined).PlayerCount)

	h.send(t, host, domain.MessageStartGame, map[string]any{"pin": pin})
	for _, c := range []*fakeConn{host, p1, p2} {
		c.last(t, domain.MessageGameStarted)
		q := c.last(t, domain.MessageQuestion).Data.(domain.QuestionServed)
		assert.Equal(t, "2 + 2", q.Content)
		assert.Equal(t, int64(30000), q.TimeLimitMs)
	}

	h.send(t, p1, domain.MessageSubmitAnswer, map[string]any{"pin": pin, "playerId": playerID(t, p1), "option": 1, "timeSpentMs": 0})
	p1.last(t, domain.MessageAnswerReceived)
	progress := host.last(t, domain.MessageAnswerProgress).Data.(domain.AnswerProgress)
	assert.Equal(t, domain.AnswerProgress{QuestionID: "q1", Answered: 1, Active: 2}, progress)
	assert.NotContains(t, host.events(), domain.MessageAnswerSubmitted, "answers stay hidden while the question is open")

	h.send(t, p2, domain.MessageSubmitAnswer, map[string]any{"option": 0})
	review := p2.last(t, domain.MessageAnswerSubmitted).Data.(domain.AnswerSubmitted)
	assert.Equal(t, []int{1, 1}, review.Tally.Options)
	assert.Equal(t, []int{1}, review.CorrectOptions)

	h.send(t, host, domain.MessageNextQuestion, nil)
	assert.Equal(t, "q2", p1.last(t, domain.MessageQuestion).Data.(domain.QuestionServed).QuestionID)

	h.send(t, p1, domain.MessageSubmitAnswer, map[string]any{"option": 0})
	h.send(t, p2, domain.MessageSubmitAnswer, map[string]any{"option": 0})
	h.send(t, host, domain.MessageNextQuestion, map[string]any{"pin": pin})

	for _, c := range []*fakeConn{host, p1, p2} {
		res := c.last(t, domain.MessageGameEnded).Data.(domain.GameEnded).Results
		require.Len(t, res.Leaderboard, 2)
		assert.Equal(t, "bob", res.Leaderboard[0].Name)
		assert.Equal(t, 2000, res.Leaderboard[0].Score)
		assert.Equal(t, 1000, res.Leaderboard[1].Score)
	}

	h.send(t, p2, domain.MessageGetResults, nil)
	res := p2.last(t, domain.MessageGameResults).Data.(domain.GameEnded).Results
	assert.Equal(t, pin, res.PIN)
	assert.Equal(t, 2, res.TotalQuestions)
}

func TestGateway_Rejections(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		arrange func(t *testing.T, h *harness) (*fakeConn, string, any)
		code    string
	}{
		"create-game without host token": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				return h.connect("x", gateway.Identity{}), domain.MessageCreateGame, map[string]any{"questions": questions}
			},
			code: "unauthenticated",
		},

		"create-game with an invalid question": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				qs := []map[string]any{{"content": "x", "options": []string{"a"}, "correct": []int{0}}}
				return h.connect("x", gateway.Identity{HostID: "alice"}), domain.MessageCreateGame, map[string]any{"questions": qs}
			},
			code: "invalid_argument",
		},

		"create-game from a stored quiz without quiz source": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				return h.connect("x", gateway.Identity{HostID: "alice"}), domain.MessageCreateGame, map[string]any{"quizId": "q"}
			},
			code: "failed_precondition",
		},

		"join-game with an unknown pin": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				return h.connect("x", gateway.Identity{}), domain.MessageJoinGame, map[string]any{"pin": "000000", "playerName": "bob"}
			},
			code: "not_found",
		},

		"join-game with a taken name": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				pin, _, _, _ := h.lobby(t)
				return h.connect("x", gateway.Identity{}), domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "BOB"}
			},
			code: "already_exists",
		},

		"start-game from a player": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				pin, _, p1, _ := h.lobby(t)
				return p1, domain.MessageStartGame, map[string]any{"pin": pin}
			},
			code: "permission_denied",
		},

		"submit-answer from the host": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				pin, host, _, _ := h.lobby(t)
				h.send(t, host, domain.MessageStartGame, nil)
				return host, domain.MessageSubmitAnswer, map[string]any{"pin": pin, "option": 0}
			},
			code: "permission_denied",
		},

		"submit-answer for another player": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				pin, host, p1, p2 := h.lobby(t)
				h.send(t, host, domain.MessageStartGame, nil)
				return p1, domain.MessageSubmitAnswer, map[string]any{"pin": pin, "playerId": playerID(t, p2), "option": 0}
			},
			code: "permission_denied",
		},

		"submit-answer twice": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				_, host, p1, _ := h.lobby(t)
				h.send(t, host, domain.MessageStartGame, nil)
				h.send(t, p1, domain.MessageSubmitAnswer, map[string]any{"option": 0})
				return p1, domain.MessageSubmitAnswer, map[string]any{"option": 1}
			},
			code: "already_exists",
		},

		"submit-answer without option": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				_, host, p1, _ := h.lobby(t)
				h.send(t, host, domain.MessageStartGame, nil)
				return p1, domain.MessageSubmitAnswer, map[string]any{}
			},
			code: "invalid_argument",
		},

		"host-game from a joined player": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				pin, _, _, _ := h.lobby(t)
				dave := h.connect("d", gateway.Identity{HostID: "dave"})
				h.send(t, dave, domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "dave"})
				dave.last(t, domain.MessageGameJoined)
				return dave, domain.MessageHostGame, map[string]any{"pin": pin}
			},
			code: "failed_precondition",
		},

		"next-question in the lobby": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				_, host, _, _ := h.lobby(t)
				return host, domain.MessageNextQuestion, nil
			},
			code: "failed_precondition",
		},

		"get-results before the end": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				_, _, p1, _ := h.lobby(t)
				return p1, domain.MessageGetResults, nil
			},
			code: "failed_precondition",
		},

		"unknown event": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				return h.connect("x", gateway.Identity{}), "dance", nil
			},
			code: "invalid_argument",
		},

		"malformed data": {
			arrange: func(t *testing.T, h *harness) (*fakeConn, string, any) {
				return h.connect("x", gateway.Identity{}), domain.MessageJoinGame, `{"pin": 12`
			},
			code: "invalid_argument",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			c, event, data := tc.arrange(t, h)
			c.reset()

			h.send(t, c, event, data)

			msg := c.last(t, domain.MessageError).Data.(domain.ErrorMessage)
			assert.Equal(t, tc.code, msg.Code, msg.Message)
			assert.Equal(t, event, msg.Event)
			assert.Equal(t, []string{domain.MessageError}, c.events(), "a rejection should only reach its sender")
		})
	}
}

func TestGateway_HostLeaves(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pin, host, p1, p2 := h.lobby(t)
	h.send(t, host, domain.MessageStartGame, nil)

	h.g.Disconnect(context.Background(), host.ID())

	for _, c := range []*fakeConn{p1, p2} {
		assert.Equal(t, "host disconnected", c.last(t, domain.MessageGameAborted).Data.(domain.GameAborted).Reason)
	}

	p1.reset()
	h.send(t, p1, domain.MessageSubmitAnswer, map[string]any{"pin": pin, "option": 1})
	assert.Equal(t, "not_found", p1.last(t, domain.MessageError).Data.(domain.ErrorMessage).Code)

	h.send(t, p1, domain.MessageGetResults, map[string]any{"pin": pin})
	assert.Equal(t, "not_found", p1.last(t, domain.MessageError).Data.(domain.ErrorMessage).Code)
}

func TestGateway_Reconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pin, host, p1, _ := h.lobby(t)
	h.send(t, host, domain.MessageStartGame, nil)

	h.g.Disconnect(context.Background(), p1.ID())
	left := host.last(t, domain.MessagePlayerLeft).Data.(domain.PlayerLeft)
	assert.Equal(t, "bob", left.Player.Name)
	assert.False(t, left.Player.Online)

	again := h.connect("c1-again", gateway.Identity{})
	h.send(t, again, domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "bob"})

	joined := again.last(t, domain.MessageGameJoined).Data.(domain.GameJoined)
	assert.True(t, joined.Rejoined)
	assert.Equal(t, "q1", again.last(t, domain.MessageQuestion).Data.(domain.QuestionServed).QuestionID,
		"the open question should be served again")

	h.send(t, again, domain.MessageSubmitAnswer, map[string]any{"option": 1})
	again.last(t, domain.MessageAnswerReceived)
}

func TestGateway_SlowPeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, host, p1, p2 := h.lobby(t)

	p2.mu.Lock()
	p2.full = true
	p2.mu.Unlock()

	h.send(t, host, domain.MessageStartGame, nil)

	p1.last(t, domain.MessageQuestion)
	assert.NotContains(t, p2.events(), domain.MessageQuestion)
}

func TestGateway_Evicted(t *testing.T) {
	t.Parallel()

	store := &fakeResults{results: map[string]*domain.Results{}}
	h := newHarness(t, func(c *gateway.Config) { c.Results = store })
	pin, _, p1, _ := h.lobby(t)

	store.results[pin] = &domain.Results{PIN: pin, TotalQuestions: 2}
	h.g.Registry().Remove(pin)

	h.send(t, p1, domain.MessageGetResults, map[string]any{"pin": pin})
	assert.Equal(t, 2, p1.last(t, domain.MessageGameResults).Data.(domain.GameEnded).Results.TotalQuestions)

	h.send(t, p1, domain.MessageStartGame, map[string]any{"pin": pin})
	assert.Equal(t, "not_found", p1.last(t, domain.MessageError).Data.(domain.ErrorMessage).Code)
}

func TestGateway_StoredQuiz(t *testing.T) {
	t.Parallel()

	src := fakeSource{"quiz-1": {{Prompt: "p", Options: []string{"a", "b"}, Correct: []int{0}}}}
	h := newHarness(t, func(c *gateway.Config) { c.Quizzes = src })

	host := h.connect("host", gateway.Identity{HostID: "alice"})
	h.send(t, host, domain.MessageCreateGame, map[string]any{"quizId": "quiz-1"})
	pin := host.last(t, domain.MessageGameCreated).Data.(domain.GameCreated).PIN

	s, err := h.g.Registry().Lookup(pin)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().Questions)

	h.send(t, host, domain.MessageCreateGame, map[string]any{"quizId": "quiz-2"})
	assert.Equal(t, "failed_precondition", host.last(t, domain.MessageError).Data.(domain.ErrorMessage).Code,
		"a bound host cannot create a second game")
}

func TestGateway_HostGameFromPlayer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pin, host, _, _ := h.lobby(t)

	dave := h.connect("d", gateway.Identity{HostID: "dave"})
	h.send(t, dave, domain.MessageJoinGame, map[string]any{"pin": pin, "playerName": "dave"})
	dave.last(t, domain.MessageGameJoined)

	h.send(t, dave, domain.MessageHostGame, map[string]any{"pin": pin})
	dave.last(t, domain.MessageError)
	dave.reset()

	h.send(t, host, domain.MessageStartGame, nil)
	assert.Contains(t, dave.events(), domain.MessageGameStarted)
	dave.last(t, domain.MessageQuestion)

	dave.reset()
	h.send(t, dave, domain.MessageSubmitAnswer, map[string]any{"option": 1})
	dave.last(t, domain.MessageAnswerReceived)
	assert.NotContains(t, dave.events(), domain.MessageError)
}

func TestGateway_LateHost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.g.CreateGame(context.Background(), gateway.CreateGameRequest{
		HostID:    "alice",
		Questions: []domain.Question{{Prompt: "p", Options: []string{"a", "b"}, Correct: []int{0}}},
	})
	require.NoError(t, err)
	assert.False(t, s.HostArrived())

	mallory := h.connect("m", gateway.Identity{HostID: "mallory"})
	h.send(t, mallory, domain.MessageHostGame, map[string]any{"pin": s.PIN()})
	assert.Equal(t, "permission_denied", mallory.last(t, domain.MessageError).Data.(domain.ErrorMessage).Code)

	host := h.connect("host", gateway.Identity{HostID: "alice"})
	h.send(t, host, domain.MessageHostGame, map[string]any{"pin": s.PIN()})
	host.last(t, domain.MessageGameCreated)
	assert.True(t, s.HostArrived())

	p := h.connect("p", gateway.Identity{})
	h.send(t, p, domain.MessageJoinGame, map[string]any{"pin": s.PIN(), "playerName": "bob"})
	assert.Equal(t, "bob", host.last(t, domain.MessagePlayerJoined).Data.(domain.PlayerJoined).Player.Name)
}

type fakeResults struct {
	results map[string]*domain.Results
}

func (f *fakeResults) GetResults(_ context.Context, pin string) (*domain.Results, error) {
	if r, ok := f.results[pin]; ok {
		return r, nil
	}
	return nil, session.ErrNotFound(pin)
}

type fakeSource map[string][]domain.Question

func (f fakeSource) ListQuestions(_ context.Context, id string) ([]domain.Question, error) {
	if qs, ok := f[id]; ok {
		return qs, nil
	}
	return nil, quiz.ErrQuizNotFound(id)
}

func TestGateway_ManyGames(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			host := h.connect(fmt.Sprintf("host-%d", i), gateway.Identity{HostID: "alice"})
			h.g.Handle(context.Background(), host.ID(), gateway.Envelope{
				Event: domain.MessageCreateGame,
				Data:  json.RawMessage(`{"questions":[{"content":"p","options":["a","b"],"correct":[0]}]}`),
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, h.g.Registry().Len())
}
