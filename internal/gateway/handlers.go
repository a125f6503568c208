package gateway

import (
	"context"
	"encoding/json"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/quiz"
	"github.com/victornm/quizlive/internal/registry"
	"github.com/victornm/quizlive/internal/session"
)

type (
	createGameRequest struct {
		QuizID    string            `json:"quizId"`
		Questions []domain.Question `json:"questions"`
	}

	pinRequest struct {
		PIN string `json:"pin"`
	}

	joinGameRequest struct {
		PIN        string `json:"pin"`
		PlayerName string `json:"playerName"`
	}

	submitAnswerRequest struct {
		PIN         string `json:"pin"`
		PlayerID    string `json:"playerId"`
		QuestionID  string `json:"questionId"`
		Option      *int   `json:"option"`
		OptionText  string `json:"optionText"`
		TimeSpentMs *int64 `json:"timeSpentMs"`
	}
)

func (g *Gateway) createGame(ctx context.Context, b binding, data json.RawMessage) error {
	if b.id.HostID == "" {
		return ErrUnauthenticated
	}
	if b.pin != "" {
		return ErrAlreadyBound
	}

	var req createGameRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	s, err := g.CreateGame(ctx, CreateGameRequest{
		HostID:    b.id.HostID,
		HostConn:  b.conn.ID(),
		QuizID:    req.QuizID,
		Questions: req.Questions,
	})
	if err != nil {
		return err
	}

	g.bind(b.conn.ID(), s.PIN(), roleHost, "")
	g.send(&b, domain.Message{Event: domain.MessageGameCreated, Data: domain.GameCreated{PIN: s.PIN()}})
	return nil
}

type CreateGameRequest struct {
	HostID string
	// HostConn is empty when the host connects later with host-game.
	HostConn  string
	QuizID    string
	Questions []domain.Question
}

// CreateGame validates the questions, loading them from the quiz source when
// QuizID is set, and registers a new game.
func (g *Gateway) CreateGame(ctx context.Context, req CreateGameRequest) (*session.Session, error) {
	qs := req.Questions
	if req.QuizID != "" {
		if g.c.Quizzes == nil {
			return nil, quiz.ErrNoSource
		}

		var err error
		if qs, err = g.c.Quizzes.ListQuestions(ctx, req.QuizID); err != nil {
			return nil, err
		}
	}

	qs, err := quiz.Normalize(qs, g.c.Defaults)
	if err != nil {
		return nil, err
	}

	return g.reg.Create(ctx, registry.CreateRequest{
		Questions: qs,
		HostID:    req.HostID,
		HostConn:  req.HostConn,
	})
}

func (g *Gateway) hostGame(ctx context.Context, b binding, data json.RawMessage) error {
	if b.id.HostID == "" {
		return ErrUnauthenticated
	}

	var req pinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if b.role == rolePlayer || (b.pin != "" && b.pin != req.PIN) {
		return ErrAlreadyBound
	}

	s, err := g.lookup(req.PIN)
	if err != nil {
		return err
	}

	g.bind(b.conn.ID(), s.PIN(), roleHost, "")
	if err := s.ClaimHost(ctx, b.conn.ID(), b.id.HostID); err != nil {
		g.bind(b.conn.ID(), b.pin, b.role, b.playerID)
		return err
	}

	g.send(&b, domain.Message{Event: domain.MessageGameCreated, Data: domain.GameCreated{PIN: s.PIN()}})
	return nil
}

func (g *Gateway) joinGame(ctx context.Context, b binding, data json.RawMessage) error {
	if b.role == roleHost {
		return ErrHostCannotJoin
	}
	if b.pin != "" {
		return ErrAlreadyBound
	}

	var req joinGameRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	s, err := g.lookup(req.PIN)
	if err != nil {
		return err
	}

	// Bound before joining so no broadcast issued right after the join is missed.
	g.bind(b.conn.ID(), s.PIN(), rolePlayer, "")

	res, err := s.Join(ctx, session.JoinRequest{Name: req.PlayerName, ConnID: b.conn.ID()})
	if err != nil {
		g.unbind(b.conn.ID())
		return err
	}

	g.bind(b.conn.ID(), s.PIN(), rolePlayer, res.Player.ID)

	g.send(&b, domain.Message{Event: domain.MessageGameJoined, Data: domain.GameJoined{
		PIN:      s.PIN(),
		Player:   res.Player,
		Rejoined: res.Rejoined,
	}})
	if res.Question != nil {
		g.send(&b, domain.Message{Event: domain.MessageQuestion, Data: *res.Question})
	}

	return nil
}

func (g *Gateway) startGame(ctx context.Context, b binding, data json.RawMessage) error {
	s, err := g.hostSession(b, data)
	if err != nil {
		return err
	}
	return s.Start(ctx, b.conn.ID())
}

func (g *Gateway) nextQuestion(ctx context.Context, b binding, data json.RawMessage) error {
	s, err := g.hostSession(b, data)
	if err != nil {
		return err
	}
	return s.Next(ctx, b.conn.ID())
}

// hostSession resolves the game a host event is addressed to and checks that
// b hosts it.
func (g *Gateway) hostSession(b binding, data json.RawMessage) (*session.Session, error) {
	var req pinRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.PIN == "" {
		req.PIN = b.pin
	}

	s, err := g.lookup(req.PIN)
	if err != nil {
		return nil, err
	}
	if b.role != roleHost || b.pin != req.PIN {
		return nil, session.ErrNotHost
	}

	return s, nil
}

func (g *Gateway) submitAnswer(ctx context.Context, b binding, data json.RawMessage) error {
	var req submitAnswerRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.PIN == "" {
		req.PIN = b.pin
	}
	if req.PlayerID == "" {
		req.PlayerID = b.playerID
	}

	s, err := g.lookup(req.PIN)
	if err != nil {
		return err
	}

	switch {
	case b.role == roleHost:
		return session.ErrHostCannotAnswer
	case b.role != rolePlayer || b.pin != req.PIN || b.playerID != req.PlayerID:
		return session.ErrUnknownPlayer
	case req.Option == nil && req.OptionText == "":
		return ErrMissingOption
	}

	sr := session.SubmitRequest{
		ConnID:      b.conn.ID(),
		PlayerID:    req.PlayerID,
		QuestionID:  req.QuestionID,
		OptionText:  req.OptionText,
		TimeSpentMs: -1,
	}
	if req.Option != nil {
		sr.Option = *req.Option
	}
	if req.TimeSpentMs != nil {
		sr.TimeSpentMs = *req.TimeSpentMs
	}

	if err := s.Submit(ctx, sr); err != nil {
		return err
	}

	g.send(&b, domain.Message{Event: domain.MessageAnswerReceived, Data: domain.AnswerReceived{QuestionID: req.QuestionID}})
	return nil
}

func (g *Gateway) getResults(ctx context.Context, b binding, data json.RawMessage) error {
	var req pinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.PIN == "" {
		req.PIN = b.pin
	}

	r, err := g.Results(ctx, req.PIN)
	if err != nil {
		return err
	}

	g.send(&b, domain.Message{Event: domain.MessageGameResults, Data: domain.GameEnded{Results: *r}})
	return nil
}

// Results returns the report of a finished game, from the registry while the
// game is still there and from the results store afterwards.
func (g *Gateway) Results(ctx context.Context, pin string) (*domain.Results, error) {
	s, err := g.lookup(pin)
	if err == nil {
		if r, ok := s.Results(); ok {
			return r, nil
		}
		if s.State() == domain.StateAborted {
			return nil, session.ErrNotFound(pin)
		}
		return nil, ErrNotFinished
	}

	if errors.CodeOf(err) != errors.CodeNotFound || g.c.Results == nil {
		return nil, err
	}
	return g.c.Results.GetResults(ctx, pin)
}
