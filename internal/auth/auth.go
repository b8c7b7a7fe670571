package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/meshcall/voicemesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the verified identity behind a credential. Subject is empty
// when the credential does not carry one (api keys, auth disabled).
type Principal struct {
	Subject string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the credential for mode. The mode's own
// parameter wins; the other one is accepted as an alias.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var primary, alias string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		primary, alias = q.Get("apiKey"), q.Get("token")
	case config.AuthModeJWT:
		primary, alias = q.Get("token"), q.Get("apiKey")
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if primary != "" {
		return primary, nil
	}
	if alias != "" {
		return alias, nil
	}
	return "", ErrMissingCredentials
}

// QueryParam is the parameter a client should use to present a credential.
func QueryParam(mode config.AuthMode) string {
	if mode == config.AuthModeJWT {
		return "token"
	}
	return "apiKey"
}

type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }
