package common

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ContextUserIDKey contextKey = "userID"

// TokenSubprotocol is the Sec-WebSocket-Protocol entry that precedes the
// token when browsers pass it through the handshake.
const TokenSubprotocol = "access_token"

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks RS256 access tokens issued by the auth service.
type Verifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt public key: %w", err)
	}
	return &Verifier{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}, nil
}

// Verify returns the user id carried in the token subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrNoToken
	}
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// ExtractToken looks for a token in the Authorization header, then in the
// WebSocket subprotocol list, then in the token query parameter.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if kind, token, ok := strings.Cut(auth, " "); ok && kind == "Bearer" && token != "" {
			return strings.TrimSpace(token)
		}
	}

	protocols := websocketProtocols(r)
	for i, p := range protocols {
		if p == TokenSubprotocol && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}

	return r.URL.Query().Get("token")
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
