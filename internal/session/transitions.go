package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/results"
	"github.com/victornm/quizlive/internal/score"
	"github.com/victornm/quizlive/internal/telemetry"
)

func newPlayerID() string {
	return uuid.NewString()
}

type JoinRequest struct {
	Name   string
	ConnID string
}

type JoinResult struct {
	Player   domain.Player
	Rejoined bool
	// Question is the open question a rejoining player has not answered yet.
	Question *domain.QuestionServed
}

// Join adds a player to the lobby. Once the game started, a player that went
// offline less than the reconnect grace ago can take its seat back by joining
// with the same name.
func (s *Session) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	var res JoinResult
	err := s.do(ctx, func() error {
		var err error
		res, err = s.join(req)
		return err
	})
	return res, err
}

func (s *Session) join(req JoinRequest) (JoinResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.ConnID == "" {
		return JoinResult{}, ErrInvalidName
	}

	existing := s.playerByName(name)

	if s.State() == domain.StateLobby {
		if existing != nil {
			return JoinResult{}, ErrNameTaken
		}

		p := &domain.Player{
			ID:           s.c.NewID(),
			Name:         name,
			ConnID:       req.ConnID,
			Online:       true,
			LastAnswered: -1,
			JoinedAt:     s.c.Now(),
		}
		s.players[p.ID] = p
		s.order = append(s.order, p.ID)

		s.broadcast(domain.MessagePlayerJoined, domain.PlayerJoined{
			Player:      *p,
			PlayerCount: len(s.order),
		})

		return JoinResult{Player: *p}, nil
	}

	if existing == nil {
		return JoinResult{}, ErrGameStarted
	}
	if existing.Online {
		return JoinResult{}, ErrNameTaken
	}
	if s.c.Now().Sub(existing.DisconnectedAt) > s.c.ReconnectGrace {
		return JoinResult{}, ErrGameStarted
	}

	existing.ConnID = req.ConnID
	existing.Online = true
	existing.DisconnectedAt = time.Time{}

	slog.Info("session: player reconnected", "pin", s.c.PIN, "player", existing.ID)
	s.broadcast(domain.MessagePlayerJoined, domain.PlayerJoined{
		Player:      *existing,
		PlayerCount: len(s.order),
	})

	res := JoinResult{Player: *existing, Rejoined: true}
	if s.State() == domain.StateQuestionActive && existing.LastAnswered != s.index {
		q := s.current
		res.Question = &q
	}

	return res, nil
}

// ClaimHost binds the host connection of a game created without one.
func (s *Session) ClaimHost(ctx context.Context, connID, hostID string) error {
	return s.do(ctx, func() error {
		if hostID == "" || hostID != s.c.HostID {
			return ErrNotHost
		}
		if s.hostConn == connID {
			return nil
		}
		if s.hostConn != "" {
			return ErrHostBound
		}

		s.hostConn = connID
		s.hostArrived.Store(true)
		return nil
	})
}

// Start serves the first question.
func (s *Session) Start(ctx context.Context, connID string) error {
	return s.do(ctx, func() error {
		if connID == "" || connID != s.hostConn {
			return ErrNotHost
		}
		if s.State() != domain.StateLobby {
			return s.violation(domain.MessageStartGame)
		}
		if len(s.onlinePlayers()) == 0 {
			return ErrNoPlayers
		}
		if len(s.c.Questions) == 0 {
			return s.violation(domain.MessageStartGame)
		}

		slog.Info("session: game started", "pin", s.c.PIN, "players", len(s.order))
		s.broadcast(domain.MessageGameStarted, domain.GameStarted{Questions: len(s.c.Questions)})
		s.serveQuestion(0)
		return nil
	})
}

type SubmitRequest struct {
	ConnID     string
	PlayerID   string
	QuestionID string
	Option     int
	// OptionText selects the option by its text instead of Option when set.
	OptionText string
	// TimeSpentMs is the time reported by the client, negative when unknown.
	TimeSpentMs int64
}

// Submit records an answer to the current question. Points are awarded when
// the question reaches review.
func (s *Session) Submit(ctx context.Context, req SubmitRequest) error {
	return s.do(ctx, func() error {
		return s.submit(req)
	})
}

func (s *Session) submit(req SubmitRequest) error {
	if req.ConnID != "" && req.ConnID == s.hostConn {
		return ErrHostCannotAnswer
	}

	p, ok := s.players[req.PlayerID]
	if !ok || !p.Online || p.ConnID != req.ConnID {
		return ErrUnknownPlayer
	}

	switch s.State() {
	case domain.StateQuestionActive:
	case domain.StateQuestionReview:
		telemetry.AnswersTotal.WithLabelValues("late").Inc()
		return ErrLateAnswer
	default:
		return ErrInvalidTransition
	}

	l := s.ledgers[s.index]
	q := l.Question()
	if req.QuestionID != "" && req.QuestionID != q.ID {
		telemetry.AnswersTotal.WithLabelValues("late").Inc()
		return ErrLateAnswer
	}

	now := s.c.Now()
	elapsed := now.Sub(s.questionStart).Milliseconds()

	spent := req.TimeSpentMs
	if spent < 0 {
		spent = elapsed
	}
	spent = min(spent, elapsed)
	if q.TimeLimitMs > 0 {
		spent = min(spent, q.TimeLimitMs)
	}
	spent = max(spent, 0)

	option := req.Option
	if req.OptionText != "" {
		option = slices.Index(q.Options, req.OptionText)
	}

	err := l.Add(domain.Answer{
		PlayerID:    p.ID,
		Option:      option,
		SubmittedAt: now,
		TimeSpentMs: spent,
	})
	if err != nil {
		telemetry.AnswersTotal.WithLabelValues("rejected").Inc()
		return err
	}

	telemetry.AnswersTotal.WithLabelValues("accepted").Inc()
	p.LastAnswered = s.index

	online := s.onlinePlayers()
	s.broadcast(domain.MessageAnswerProgress, domain.AnswerProgress{
		QuestionID: q.ID,
		Answered:   l.Len(),
		Active:     len(online),
	})

	if l.AllAnswered(online...) {
		s.review()
	}

	return nil
}

// Next serves the following question or finishes the game after the last one.
func (s *Session) Next(ctx context.Context, connID string) error {
	return s.do(ctx, func() error {
		if connID == "" || connID != s.hostConn {
			return ErrNotHost
		}
		if s.State() != domain.StateQuestionReview {
			return s.violation(domain.MessageNextQuestion)
		}

		if s.index+1 < len(s.c.Questions) {
			s.serveQuestion(s.index + 1)
			return nil
		}

		s.finish()
		return nil
	})
}

// HostLost aborts the game if connID is its host connection.
func (s *Session) HostLost(ctx context.Context, connID string) error {
	return s.do(ctx, func() error {
		if connID == "" || connID != s.hostConn || s.State().Terminal() {
			return nil
		}

		s.abort("host disconnected")
		return nil
	})
}

// Leave marks the player bound to connID offline. Players leaving the lobby
// are removed; once the game started their record is kept for the report.
func (s *Session) Leave(ctx context.Context, playerID, connID string) error {
	return s.do(ctx, func() error {
		p, ok := s.players[playerID]
		if !ok || p.ConnID != connID || !p.Online {
			return nil
		}

		if s.State() == domain.StateLobby {
			delete(s.players, playerID)
			for i, id := range s.order {
				if id == playerID {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		} else {
			p.Online = false
			p.ConnID = ""
			p.DisconnectedAt = s.c.Now()
		}

		s.broadcast(domain.MessagePlayerLeft, domain.PlayerLeft{
			Player:      *p,
			PlayerCount: len(s.order),
		})

		if s.State() == domain.StateQuestionActive && s.ledgers[s.index].AllAnswered(s.onlinePlayers()...) {
			s.review()
		}

		return nil
	})
}

func (s *Session) serveQuestion(i int) {
	s.stopTimer()

	s.index = i
	s.state.Store(int32(domain.StateQuestionActive))
	s.questionStart = s.c.Now()

	q := s.c.Questions[i]
	if d := q.TimeLimit(); d > 0 {
		s.timer = s.c.AfterFunc(d, func() {
			s.post(func() error {
				s.expire(i)
				return nil
			})
		})
	}

	s.current = domain.QuestionServed{
		Index:       i,
		Total:       len(s.c.Questions),
		QuestionID:  q.ID,
		Content:     q.Prompt,
		Options:     q.Options,
		TimeLimitMs: q.TimeLimitMs,
		Deadline:    s.questionStart.Add(q.TimeLimit()).UnixMilli(),
	}
	s.broadcast(domain.MessageQuestion, s.current)
}

// expire closes question i when its deadline fires. Expiries of questions
// already reviewed are ignored.
func (s *Session) expire(i int) {
	if s.State() != domain.StateQuestionActive || s.index != i {
		return
	}

	slog.Debug("session: question deadline reached", "pin", s.c.PIN, "index", i)
	s.review()
}

func (s *Session) review() {
	s.stopTimer()

	l := s.ledgers[s.index]
	q := l.Question()

	answers := l.Finalize(s.order, score.Score)
	for _, a := range answers {
		if p, ok := s.players[a.PlayerID]; ok {
			p.Score += a.Points
		}
	}

	tally := l.Tally()
	s.rounds = append(s.rounds, results.Round{
		Question: q,
		Tally:    tally,
		Answers:  answers,
	})
	s.state.Store(int32(domain.StateQuestionReview))

	s.broadcast(domain.MessageAnswerSubmitted, domain.AnswerSubmitted{
		QuestionID:     q.ID,
		Index:          s.index,
		Tally:          tally,
		CorrectOptions: q.Correct,
		Standings:      s.standings(),
	})
}

func (s *Session) finish() {
	s.stopTimer()

	res := results.Aggregate(s.c.PIN, s.playerList(), s.rounds, s.c.Now())
	s.results.Store(res)
	s.state.Store(int32(domain.StateFinished))

	slog.Info("session: game finished", "pin", s.c.PIN, "players", len(s.order))
	telemetry.SessionsEnded.WithLabelValues("finished").Inc()

	s.broadcast(domain.MessageGameEnded, domain.GameEnded{Results: *res})

	if s.c.EventBus != nil {
		s.c.EventBus.Publish(context.Background(), domain.EventGameFinished{Results: *res})
	}
}

func (s *Session) abort(reason string) {
	s.stopTimer()
	s.state.Store(int32(domain.StateAborted))

	slog.Warn("session: game aborted", "pin", s.c.PIN, "reason", reason)
	telemetry.SessionsEnded.WithLabelValues("aborted").Inc()

	s.broadcast(domain.MessageGameAborted, domain.GameAborted{Reason: reason})

	if s.c.EventBus != nil {
		s.c.EventBus.Publish(context.Background(), domain.EventGameAborted{PIN: s.c.PIN, Reason: reason})
	}
}

// violation rejects a host event that has no transition from the current
// state. Too many of them abort the game.
func (s *Session) violation(event string) error {
	s.violations++

	err := ErrInvalidTransition.Wrap(fmt.Errorf("%s in state %s", event, s.State()))
	slog.Warn("session: invalid transition", "pin", s.c.PIN, "event", event, "state", s.State(), "count", s.violations)

	if s.violations >= s.c.MaxViolations {
		s.abort("too many invalid events")
	}

	return err
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) broadcast(event string, data any) {
	if s.c.Broadcaster == nil {
		return
	}
	s.c.Broadcaster.Broadcast(s.c.PIN, domain.Message{Event: event, Data: data})
}

func (s *Session) playerByName(name string) *domain.Player {
	for _, id := range s.order {
		if p := s.players[id]; strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

func (s *Session) onlinePlayers() []string {
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if s.players[id].Online {
			ids = append(ids, id)
		}
	}
	return ids
}

// playerList returns copies of the players in join order.
func (s *Session) playerList() []domain.Player {
	out := make([]domain.Player, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.players[id])
	}
	return out
}

func (s *Session) standings() []domain.Standing {
	out := make([]domain.Standing, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		out = append(out, domain.Standing{PlayerID: p.ID, Name: p.Name, Score: p.Score})
	}
	slices.SortStableFunc(out, func(a, b domain.Standing) int { return b.Score - a.Score })
	return out
}
