// ABOUTME: HTTP authentication gate placed ahead of state-mutating routes
// ABOUTME: Extracts the bearer token, verifies it, and either forwards the request or rejects it

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// GateState is the outcome of evaluating a request at the gate.
type GateState int

const (
	Unverified GateState = iota
	Verified
)

func (s GateState) String() string {
	if s == Verified {
		return "verified"
	}
	return "unverified"
}

var (
	errMissingHeader = errors.New("missing authorization header")
	errBadHeader     = errors.New("invalid authorization header format")
	errEmptyToken    = errors.New("empty token")
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errMissingHeader
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errBadHeader
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

// Gate validates inbound bearer tokens. A Gate with a nil verifier is open:
// every request is Verified as an anonymous caller.
type Gate struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewGate creates a gate backed by verifier. Pass nil verifier for open mode.
func NewGate(verifier TokenVerifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		verifier: verifier,
		logger:   logger.With("component", "auth-gate"),
	}
}

// Open reports whether the gate lets every request through.
func (g *Gate) Open() bool {
	return g.verifier == nil
}

// Evaluate moves a request from Unverified to Verified when it carries a
// token the verifier accepts. It never touches the request.
func (g *Gate) Evaluate(r *http.Request) (GateState, *AuthContext, error) {
	if g.verifier == nil {
		return Verified, &AuthContext{Anonymous: true}, nil
	}

	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Unverified, nil, err
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return Unverified, nil, err
	}

	return Verified, &AuthContext{
		Subject:        claims.Subject,
		ConversationID: claims.ConversationID,
	}, nil
}

// Middleware short-circuits unverified requests with 401 Unauthorized and
// forwards verified ones untouched, with the AuthContext on the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, authCtx, err := g.Evaluate(r)
		if state != Verified {
			g.logger.Debug("request rejected",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			WriteUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// WriteUnauthorized writes the structured 401 body shared with the transport
// error format.
func WriteUnauthorized(w http.ResponseWriter, cause error) {
	message := "unauthorized"
	switch {
	case errors.Is(cause, ErrExpiredToken):
		message = "token expired"
	case errors.Is(cause, errMissingHeader), errors.Is(cause, errBadHeader), errors.Is(cause, errEmptyToken):
		message = cause.Error()
	case cause != nil:
		message = "invalid token"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "Unauthorized",
			"message": message,
		},
	})
}
