// Package identity resolves the subject id under which schedules are stored.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var ErrNoSubject = errors.New("token carries no subject claim")

// Provider establishes the subject identity. It is called once at startup.
type Provider interface {
	AcquireIdentity(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) AcquireIdentity(ctx context.Context) (string, error) {
	return f(ctx)
}

// Anonymous issues a random subject id on first use and keeps returning it by
// persisting it to a state file. With an empty path the id lives only as long
// as the process.
type Anonymous struct {
	StatePath string

	id string
}

func (a *Anonymous) AcquireIdentity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a.id != "" {
		return a.id, nil
	}

	if a.StatePath == "" {
		a.id = uuid.NewString()
		return a.id, nil
	}

	data, err := os.ReadFile(a.StatePath)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr != nil {
			return "", fmt.Errorf("identity file %s is corrupt: %w", a.StatePath, perr)
		}
		a.id = id
		return a.id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id := uuid.NewString()
	if err := writeFileAtomic(a.StatePath, []byte(id+"\n")); err != nil {
		return "", err
	}
	a.id = id
	return a.id, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

// Token signs in with a pre-issued custom token. The token must be an HMAC
// signed JWT; its subject is taken from the id, sub or user_id claim, in that
// order.
type Token struct {
	Raw    string
	Secret string
}

func (t Token) AcquireIdentity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw := strings.TrimSpace(t.Raw)
	if raw == "" {
		return "", errors.New("custom token is empty")
	}
	secret := strings.TrimSpace(t.Secret)
	if secret == "" {
		return "", errors.New("token secret is empty")
	}

	tok, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid custom token: %w", err)
	}
	if !tok.Valid {
		return "", errors.New("invalid custom token")
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid custom token claims")
	}
	for _, name := range []string{"id", "sub", "user_id"} {
		if s := strClaim(claims, name); s != "" {
			return s, nil
		}
	}
	return "", ErrNoSubject
}

func strClaim(m jwt.MapClaims, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
