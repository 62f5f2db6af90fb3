package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the stored session token's expiry has
// passed. The caller should re-authenticate instead of burning a network
// call on a request that can only fail.
var ErrTokenExpired = errors.New("session token expired")

// RefreshFunc obtains a fresh session token, typically by exchanging a
// stored refresh credential with the auth service. Auth issuance itself
// is outside the engine; this hook is how it is plugged in.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSource hands out the bearer token for API calls.
//
// Tokens are JWTs issued by the account service. The source does not
// verify signatures (that is the server's job); it only reads the expiry
// claim so an expired token fails fast, and invokes the refresh hook
// when one is configured.
type TokenSource struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc

	// skew is subtracted from the expiry so a token about to lapse
	// mid-request is refreshed early.
	skew time.Duration
}

// NewTokenSource creates a source over a stored token. refresh may be nil,
// in which case an expired token is surfaced as ErrTokenExpired.
func NewTokenSource(token string, refresh RefreshFunc) *TokenSource {
	return &TokenSource{
		token:   token,
		refresh: refresh,
		skew:    30 * time.Second,
	}
}

// Token returns a bearer token valid for at least the skew window.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" {
		// Unparseable tokens pass through untouched; the server decides.
		expired, err := ts.expired(ts.token)
		if err != nil || !expired {
			return ts.token, nil
		}
	}

	if ts.refresh == nil {
		if ts.token == "" {
			return "", errors.New("no session token configured")
		}
		return "", ErrTokenExpired
	}

	token, err := ts.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh session token: %w", err)
	}
	ts.token = token
	return token, nil
}

// expired reports whether the JWT's exp claim has passed (minus skew).
// Tokens without a parseable exp claim are assumed valid; the server
// rejects them if not.
func (ts *TokenSource) expired(token string) (bool, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, nil
	}
	return time.Now().Add(ts.skew).After(exp.Time), nil
}
