package pgauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errTokenInvalid = errors.New("pgauth: invalid access token")

// claims are the access token payload.
type claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type tokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func (s tokenSigner) sign(userID, email, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:     email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// parse validates raw. An expired but otherwise valid token returns its claims
// together with jwt.ErrTokenExpired.
func (s tokenSigner) parse(raw string, now time.Time) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && c.Subject != "" {
			return &c, jwt.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	return &c, nil
}
