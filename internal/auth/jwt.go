// Package auth signs the JWT passwords agents present to brokers configured for
// token authentication, and verifies them on the broker side.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL is how long a token stays valid
	DefaultTTL = 24 * time.Hour
	// DefaultRefreshMargin renews a token this long before it expires
	DefaultRefreshMargin = 5 * time.Minute
)

var (
	// ErrEmptySecret is returned when no signing secret is configured
	ErrEmptySecret = errors.New("JWT secret cannot be empty")
	// ErrEmptyClientID is returned when a token is requested without a client ID
	ErrEmptyClientID = errors.New("clientID cannot be empty")
)

// BrokerClaims represents the claims of a broker password token
type BrokerClaims struct {
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth creates and validates broker tokens
type JWTAuth struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// NewJWTAuth creates a new JWT authentication handler
func NewJWTAuth(secretKey, issuer string, ttl time.Duration) (*JWTAuth, error) {
	if secretKey == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// GenerateToken creates a signed token for a client
func (j *JWTAuth) GenerateToken(clientID, topicPrefix string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, ErrEmptyClientID
	}

	now := j.now()
	expiresAt := now.Add(j.ttl)

	claims := BrokerClaims{
		ClientID:    clientID,
		TopicPrefix: topicPrefix,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken is the broker-side check of a password handed out by a
// TokenSource. A broker auth hook configured with the same secret and issuer
// calls it on CONNECT and compares the returned ClientID with the client's.
// A "Bearer " prefix is accepted. When the issuer is set, tokens from any
// other issuer are rejected.
func (j *JWTAuth) ValidateToken(tokenString string) (*BrokerClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &BrokerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, j.parserOptions()...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*BrokerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

func (j *JWTAuth) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(j.now)}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	return opts
}

// TokenSource hands out a cached token, renewing it shortly before expiry.
// Its Credentials method plugs into the broker connect options.
type TokenSource struct {
	auth        *JWTAuth
	clientID    string
	topicPrefix string
	margin      time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source for one client
func NewTokenSource(auth *JWTAuth, clientID, topicPrefix string) *TokenSource {
	margin := DefaultRefreshMargin
	if auth.ttl <= 2*margin {
		margin = auth.ttl / 2
	}
	return &TokenSource{
		auth:        auth,
		clientID:    clientID,
		topicPrefix: topicPrefix,
		margin:      margin,
	}
}

// Token returns a valid token, creating a new one when needed
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.auth.now().Add(s.margin).Before(s.expiresAt) {
		return s.token, nil
	}

	token, expiresAt, err := s.auth.GenerateToken(s.clientID, s.topicPrefix)
	if err != nil {
		return "", err
	}
	s.token, s.expiresAt = token, expiresAt
	return token, nil
}

// Credentials returns the client ID as username and a token as password.
// A signing failure yields an empty password and the broker rejects the attempt.
func (s *TokenSource) Credentials() (username, password string) {
	token, err := s.Token()
	if err != nil {
		return s.clientID, ""
	}
	return s.clientID, token
}
