// Package auth validates connection credentials before a socket is
// admitted to the registry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredential reports a credential that failed validation.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrTimeout reports that the validator exceeded its deadline.
	ErrTimeout = errors.New("credential validation timeout")
)

// Validator resolves a credential to a user id.
type Validator interface {
	Validate(ctx context.Context, credential string) (userID string, err error)
}

// JWTValidator verifies HMAC-signed tokens and extracts the subject
// claim as the user id.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator creates a validator over a shared HMAC secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses and verifies the token, returning the subject claim.
// The subject may be a string or a numeric id.
func (v *JWTValidator) Validate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	switch sub := claims["sub"].(type) {
	case string:
		if sub == "" {
			return "", fmt.Errorf("%w: empty subject", ErrInvalidCredential)
		}
		return sub, nil
	case float64:
		return fmt.Sprintf("%.0f", sub), nil
	default:
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidCredential)
	}
}

// TimeoutValidator bounds an inner validator with a deadline. The
// inner validator may call out to an external identity service, so a
// hang must fail the handshake rather than pin the accept path.
type TimeoutValidator struct {
	inner   Validator
	timeout time.Duration
}

// NewTimeoutValidator wraps a validator with a per-call deadline.
func NewTimeoutValidator(inner Validator, timeout time.Duration) *TimeoutValidator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TimeoutValidator{inner: inner, timeout: timeout}
}

// Validate runs the inner validator under the configured deadline.
func (v *TimeoutValidator) Validate(ctx context.Context, credential string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		userID, err := v.inner.Validate(ctx, credential)
		done <- result{userID, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return r.userID, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}
