// Package auth issues and verifies the tokens hosts use to create games.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/quizlive/internal/errors"
)

const issuer = "quizlive"

var (
	ErrMissingToken = errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host token is required"))
	ErrInvalidToken = errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host token is invalid"))
	ErrExpiredToken = errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host token has expired"))
)

// HostVerifier resolves a bearer token to the host it was issued for.
type HostVerifier interface {
	VerifyHost(ctx context.Context, token string) (string, error)
}

type Config struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

const roleHost = "host"

// JWT signs host tokens with HS256.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(c Config) (*JWT, error) {
	if c.Secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &JWT{secret: []byte(c.Secret), ttl: c.TTL, now: c.Now}, nil
}

// Issue returns a token identifying hostID.
func (j *JWT) Issue(hostID string) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", errors.InvalidArgument("host id is required")
	}

	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   hostID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		Role: roleHost,
	})

	return token.SignedString(j.secret)
}

func (j *JWT) VerifyHost(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken.Wrap(err)
		}
		return "", ErrInvalidToken.Wrap(err)
	}

	if c.Role != roleHost || c.Subject == "" {
		return "", ErrInvalidToken
	}

	return c.Subject, nil
}
