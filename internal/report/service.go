// Package report keeps the results of finished games in Redis so they stay
// readable after the game left the registry, and notifies subscribers.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/event"
)

const (
	defaultPrefix = "quizlive"
	defaultTTL    = 24 * time.Hour

	// tieSlots is the number of distinct ranks a leaderboard score can encode
	// below one point.
	tieSlots = 1_000_000
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	TTL      time.Duration
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
			return s.SaveResults(ctx, e.(domain.EventGameFinished).Results)
		})
		s.eb.Subscribe(domain.EventNameGameAborted, func(ctx context.Context, e event.Event) error {
			ev := e.(domain.EventGameAborted)
			return s.publishNotification(ctx, s.GameChannel(ev.PIN), domain.MessageGameAborted, domain.GameAborted{Reason: ev.Reason})
		})
	}

	return s
}

// SaveResults stores the report and leaderboard of a finished game and
// notifies its subscribers.
func (s *Service) SaveResults(ctx context.Context, r domain.Results) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	lbKey, namesKey := s.leaderboardKey(r.PIN), s.namesKey(r.PIN)

	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.resultsKey(r.PIN), b, s.ttl)
		p.Del(ctx, lbKey, namesKey)

		for _, e := range r.Leaderboard {
			p.ZAdd(ctx, lbKey, redis.Z{
				Score:  leaderboardScore(e, len(r.Leaderboard)),
				Member: e.PlayerID,
			})
			p.HSet(ctx, namesKey, e.PlayerID, e.Name)
		}

		p.Expire(ctx, lbKey, s.ttl)
		p.Expire(ctx, namesKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save results: pin=%s: %w", r.PIN, err)
	}

	return s.PublishGameEnded(ctx, r)
}

// GetResults returns the stored report of a finished game.
func (s *Service) GetResults(ctx context.Context, pin string) (*domain.Results, error) {
	b, err := s.redis.Get(ctx, s.resultsKey(pin)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("results not found: pin=%s", pin)
	}
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}

	var r domain.Results
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}

	return &r, nil
}

type GetLeaderboardRequest struct {
	PIN string
	// Top limits the number of entries, all entries when not positive.
	Top int
}

// GetLeaderboard returns the final ranking of a finished game.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) ([]domain.LeaderboardEntry, error) {
	stop := int64(-1)
	if req.Top > 0 {
		stop = int64(req.Top) - 1
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(req.PIN), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.NotFound("leaderboard not found: pin=%s", req.PIN)
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.redis.HMGet(ctx, s.namesKey(req.PIN), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		name, _ := names[i].(string)
		entries = append(entries, domain.LeaderboardEntry{
			Rank:     i + 1,
			PlayerID: ids[i],
			Name:     name,
			Score:    int(math.Floor(z.Score)),
		})
	}

	return entries, nil
}

// leaderboardScore packs the points and the rank of e so that the sorted set
// orders ties the same way the results do.
func leaderboardScore(e domain.LeaderboardEntry, n int) float64 {
	return float64(e.Score) + float64(n-e.Rank+1)/tieSlots
}

func (s *Service) resultsKey(pin string) string {
	return fmt.Sprintf("%s:game:%s:results", s.prefix, pin)
}

func (s *Service) leaderboardKey(pin string) string {
	return fmt.Sprintf("%s:game:%s:leaderboard", s.prefix, pin)
}

func (s *Service) namesKey(pin string) string {
	return fmt.Sprintf("%s:game:%s:names", s.prefix, pin)
}
