// Package auth admits websocket connections by resolving their bearer token
// to a registered identity.
package auth

import (
	"net/http"
	"strings"

	"github.com/agentrelay/arc/pkg/protocol"
)

// Rejection is an admission failure. Code and Reason are sent to the client
// in the websocket close frame.
type Rejection struct {
	Code   int
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

var (
	ErrMissingToken = &Rejection{Code: protocol.CloseMissingToken, Reason: protocol.ReasonMissingToken}
	ErrInvalidToken = &Rejection{Code: protocol.CloseInvalidToken, Reason: protocol.ReasonInvalidToken}
)

// Resolver maps a token to the identity it is bound to.
type Resolver interface {
	Resolve(token string) (identity string, ok bool)
}

// Gate admits or rejects connection handshakes. It never mutates state.
type Gate struct {
	resolver Resolver
}

// NewGate creates a Gate backed by r.
func NewGate(r Resolver) *Gate {
	return &Gate{resolver: r}
}

// Admit resolves the handshake's token. The returned error is always a
// *Rejection.
func (g *Gate) Admit(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", ErrMissingToken
	}
	identity, ok := g.resolver.Resolve(token)
	if !ok {
		return "", ErrInvalidToken
	}
	return identity, nil
}

// ExtractToken returns the bearer token from the Authorization header, or
// failing that the token query parameter.
func ExtractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
