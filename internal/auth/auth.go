package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator accepts static bearer tokens, each mapped to the
// operator subject it identifies.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	a := &TokenAuthenticator{tokens: make(map[string]string, len(tokens))}
	for token, subject := range tokens {
		if token != "" {
			a.tokens[token] = subject
		}
	}
	return a
}

// NewAuthenticatorFromEnv reads TRUST_DEV_TOKEN (subject "dev") and
// TRUST_API_TOKENS, a comma separated list of subject=token pairs.
func NewAuthenticatorFromEnv() *TokenAuthenticator {
	return NewAuthenticatorFromLookup(os.Getenv)
}

func NewAuthenticatorFromLookup(getenv func(string) string) *TokenAuthenticator {
	tokens := map[string]string{}
	if dev := getenv("TRUST_DEV_TOKEN"); dev != "" {
		tokens[dev] = "dev"
	}
	for _, pair := range strings.Split(getenv("TRUST_API_TOKENS"), ",") {
		subject, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || subject == "" || token == "" {
			continue
		}
		tokens[token] = subject
	}
	return NewTokenAuthenticator(tokens)
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	subject, found := "", false
	for token, sub := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
			subject, found = sub, true
		}
	}
	if !found {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: subject, Token: bearer}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
