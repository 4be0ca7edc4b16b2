package tunnel

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken     = errors.New("no tunnel token provided")
	ErrTokenExpired     = errors.New("tunnel token expired")
	ErrInvalidSignature = errors.New("tunnel token signature invalid")
	ErrMalformedToken   = errors.New("tunnel token malformed")
	ErrInvalidToken     = errors.New("tunnel token invalid")
)

// Close reasons sent to the peer on rejection. These are part of the wire
// contract with the front-end and must not be reworded.
const (
	ReasonMissingToken     = "Missing token"
	ReasonTokenExpired     = "Token expired"
	ReasonInvalidSignature = "Invalid signature"
	ReasonInvalidFormat    = "Invalid token format"
	ReasonValidationError  = "Validation error"
)

// Claims are the fields embedded in a tunnel token.
type Claims struct {
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator verifies tunnel bearer tokens against the shared secret.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator creates a validator for HS256 tokens signed with secret.
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate checks signature and expiry, returning the claims on success.
// Failures are classified so each yields a distinct close reason; all are
// terminal, there is no retry at this layer.
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Generate signs a tunnel token. Used by the provisioning side and tests.
func (v *TokenValidator) Generate(sessionID, agentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		AgentID:   agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign tunnel token: %w", err)
	}
	return signed, nil
}

// CloseReason maps a validation error to the close reason sent on the wire.
func CloseReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrMalformedToken):
		return ReasonInvalidFormat
	default:
		return ReasonValidationError
	}
}
