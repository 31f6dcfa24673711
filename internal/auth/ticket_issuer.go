package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTicketTTL      = time.Minute
	defaultTicketIssuer   = "coedit-api"
	defaultTicketAudience = "coedit-realtime"
)

var (
	ErrMissingTicketSecret = errors.New("ticket issuer: signing secret required")
	ErrMissingTicketUser   = errors.New("ticket issuer: user id required")
	ErrInvalidTicket       = errors.New("ticket issuer: invalid ticket")
)

// TicketIssuerConfig configures short-lived realtime tickets.
type TicketIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TTL           time.Duration
	Clock         func() time.Time
}

// TicketIssuer mints and validates tickets that let a browser open the websocket channel without sending the
// session cookie cross-origin.
type TicketIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

func NewTicketIssuer(cfg TicketIssuerConfig) (*TicketIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingTicketSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultTicketIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultTicketAudience
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TicketIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue returns a signed ticket for userID and its lifetime in seconds.
func (i *TicketIssuer) Issue(userID string) (string, int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, ErrMissingTicketUser
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks a ticket and returns the user it was issued for.
func (i *TicketIssuer) Validate(ticket string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(ticket),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingTicketUser
	}
	return claims.Subject, nil
}
