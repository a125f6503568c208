// Package api exposes the games over HTTP and WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/gateway"
	"github.com/victornm/quizlive/internal/quiz"
	"github.com/victornm/quizlive/internal/report"
)

// AnonymousHost is the host every connection is treated as when host
// authentication is disabled.
const AnonymousHost = "anonymous"

const qrSize = 320

type Config struct {
	Gateway *gateway.Gateway
	// Verifier checks host tokens. Without one every client may host.
	Verifier auth.HostVerifier
	Reports  *report.Service
	Quizzes  QuizStore
	// PublicURL is the base URL players open to join, derived from the
	// request when empty.
	PublicURL  string
	SendBuffer int
}

type QuizStore interface {
	CreateQuiz(ctx context.Context, req quiz.CreateQuizRequest) (string, error)
}

type API struct {
	c Config
	g *gateway.Gateway
}

func New(c Config) *API {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return &API{c: c, g: c.Gateway}
}

// Register mounts the routes on e.
func (a *API) Register(e *gin.Engine) {
	e.GET("/healthz", a.health)
	e.GET("/ws", a.serveWS)

	g := e.Group("/api")
	g.POST("/quizzes", a.createQuiz)
	g.POST("/games", a.createGame)
	g.GET("/games/:pin", a.getGame)
	g.GET("/games/:pin/results", a.getResults)
	g.GET("/games/:pin/leaderboard", a.getLeaderboard)
	g.GET("/games/:pin/qr", a.getQR)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "games": a.g.Registry().Len()})
}

type createGameRequest struct {
	QuizID    string            `json:"quizId"`
	Questions []domain.Question `json:"questions"`
}

type createGameResponse struct {
	PIN     string `json:"pin"`
	JoinURL string `json:"joinUrl"`
}

// createGame registers a game whose host connects later with host-game.
func (a *API) createGame(c *gin.Context) {
	host, err := a.host(c)
	if err != nil {
		renderError(c, err)
		return
	}

	var req createGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("malformed body: %s", err))
		return
	}

	s, err := a.g.CreateGame(c.Request.Context(), gateway.CreateGameRequest{
		HostID:    host,
		QuizID:    req.QuizID,
		Questions: req.Questions,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createGameResponse{PIN: s.PIN(), JoinURL: a.joinURL(c, s.PIN())})
}

type createQuizRequest struct {
	Title     string            `json:"title"`
	Questions []domain.Question `json:"questions"`
}

func (a *API) createQuiz(c *gin.Context) {
	host, err := a.host(c)
	if err != nil {
		renderError(c, err)
		return
	}
	if a.c.Quizzes == nil {
		renderError(c, quiz.ErrNoSource)
		return
	}

	var req createQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("malformed body: %s", err))
		return
	}

	// Time limits and points left unset get the server defaults when a game
	// is created from the quiz.
	qs, err := quiz.Normalize(req.Questions, quiz.Defaults{})
	if err != nil {
		renderError(c, err)
		return
	}

	id, err := a.c.Quizzes.CreateQuiz(c.Request.Context(), quiz.CreateQuizRequest{
		Owner:     host,
		Title:     req.Title,
		Questions: qs,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"quizId": id})
}

func (a *API) getGame(c *gin.Context) {
	s, err := a.g.Registry().Lookup(c.Param("pin"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.Snapshot())
}

func (a *API) getResults(c *gin.Context) {
	r, err := a.g.Results(c.Request.Context(), c.Param("pin"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

func (a *API) getLeaderboard(c *gin.Context) {
	pin := c.Param("pin")

	top, err := strconv.Atoi(c.DefaultQuery("top", "0"))
	if err != nil || top < 0 {
		renderError(c, errors.InvalidArgument("top must be a non-negative number"))
		return
	}

	if a.c.Reports != nil {
		entries, err := a.c.Reports.GetLeaderboard(c.Request.Context(), report.GetLeaderboardRequest{PIN: pin, Top: top})
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"pin": pin, "entries": entries})
			return
		}
		if errors.CodeOf(err) != errors.CodeNotFound {
			renderError(c, err)
			return
		}
	}

	r, err := a.g.Results(c.Request.Context(), pin)
	if err != nil {
		renderError(c, err)
		return
	}

	entries := r.Leaderboard
	if top > 0 && top < len(entries) {
		entries = entries[:top]
	}
	c.JSON(http.StatusOK, gin.H{"pin": pin, "entries": entries})
}

// getQR renders the join URL of a game as a PNG.
func (a *API) getQR(c *gin.Context) {
	s, err := a.g.Registry().Lookup(c.Param("pin"))
	if err != nil {
		renderError(c, err)
		return
	}

	png, err := qrcode.Encode(a.joinURL(c, s.PIN()), qrcode.Medium, qrSize)
	if err != nil {
		renderError(c, errors.Internal(fmt.Errorf("encode qr: %w", err)))
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func (a *API) joinURL(c *gin.Context, pin string) string {
	base := strings.TrimSuffix(a.c.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + c.Request.Host
	}

	return base + "/join?pin=" + pin
}

// host returns the host the request is authenticated as.
func (a *API) host(c *gin.Context) (string, error) {
	if a.c.Verifier == nil {
		return AnonymousHost, nil
	}
	return a.c.Verifier.VerifyHost(c.Request.Context(), c.GetHeader("Authorization"))
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code.String(),
		"message": e.Message,
	})
}
