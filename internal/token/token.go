// Package token issues and verifies the bearer tokens that authenticate a
// websocket connection to a map (spec.md §4.11), via HS256-signed JWTs.
package token

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the decoded, validated content of a bearer token (spec.md §4.11).
type Claims struct {
	MapID       uuid.UUID
	UserID      *uuid.UUID
	ClientID    clock.ClientId
	PermitWrite bool
	Expiry      time.Time
}

// Verifier issues and checks tokens against a single shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// VerifySecret reports whether raw is the shared secret this Verifier signs
// with, for the trusted backend-to-backend caller of /authorize rather than
// an end client's bearer token.
func (v *Verifier) VerifySecret(raw string) bool {
	return subtle.ConstantTimeCompare([]byte(raw), v.secret) == 1
}

type jwtClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	ClientID string `json:"client_id"`
	Write    bool   `json:"write"`
}

// Issue mints a token for the given claims, expiring at exp.
func (v *Verifier) Issue(mapID uuid.UUID, userID *uuid.UUID, clientID clock.ClientId, write bool, exp time.Time) (string, error) {
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   mapID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		ClientID: strconv.FormatUint(uint64(clientID), 10),
		Write:    write,
	}
	if userID != nil {
		claims.UserID = userID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(v.secret)
}

// Verify decodes and validates a bearer token, returning ACCESS_FORBIDDEN-
// worthy errors for any mismatch or missing required claim (spec.md §4.11).
func (v *Verifier) Verify(raw string, wantMapID uuid.UUID) (Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("token: invalid: %w", err)
	}

	mapID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("token: malformed sub: %w", err)
	}
	if mapID != wantMapID {
		return Claims{}, fmt.Errorf("token: sub does not match connection's map id")
	}

	clientID, err := strconv.ParseUint(claims.ClientID, 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("token: malformed client_id: %w", err)
	}

	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("token: missing exp")
	}

	out := Claims{
		MapID:       mapID,
		ClientID:    clock.ClientId(clientID),
		PermitWrite: claims.Write,
		Expiry:      claims.ExpiresAt.Time,
	}
	if claims.UserID != "" {
		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return Claims{}, fmt.Errorf("token: malformed user_id: %w", err)
		}
		out.UserID = &userID
	}
	return out, nil
}
