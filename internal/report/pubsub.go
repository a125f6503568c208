package report

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizlive/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	// PlayerResult is the personal summary sent to a single player.
	PlayerResult struct {
		PIN            string `json:"pin"`
		Rank           int    `json:"rank"`
		Players        int    `json:"players"`
		Score          int    `json:"score"`
		CorrectAnswers int    `json:"correctAnswers"`
	}
)

// PublishGameEnded sends the whole report on the game channel and a personal
// summary on each player channel.
func (s *Service) PublishGameEnded(ctx context.Context, r domain.Results) error {
	if err := s.publishNotification(ctx, s.GameChannel(r.PIN), domain.MessageGameEnded, domain.GameEnded{Results: r}); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, e := range r.Leaderboard {
		eg.Go(func() error {
			return s.publishNotification(ctx, s.PlayerChannel(e.PlayerID), domain.MessageGameEnded, PlayerResult{
				PIN:            r.PIN,
				Rank:           e.Rank,
				Players:        len(r.Leaderboard),
				Score:          e.Score,
				CorrectAnswers: e.CorrectAnswers,
			})
		})
	}

	return eg.Wait()
}

func (s *Service) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return s.redis.Publish(ctx, channel, b).Err()
}

// GameChannel is the pubsub channel carrying notifications about pin.
func (s *Service) GameChannel(pin string) string {
	return fmt.Sprintf("%s:game:%s", s.prefix, pin)
}

// PlayerChannel is the pubsub channel carrying notifications for one player.
func (s *Service) PlayerChannel(playerID string) string {
	return fmt.Sprintf("%s:player:%s", s.prefix, playerID)
}
