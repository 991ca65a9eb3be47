package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mimora/authflow/exchange"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrCorrupt is returned when a stored user record cannot be decoded.
	ErrCorrupt = errors.New("storage: corrupt user record")
)

// Default keys.
const (
	DefaultUserKey  = "user"
	DefaultTokenKey = "proofToken"
)

// Store is a durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// SetMany writes all pairs atomically where the backend supports it.
	SetMany(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
}

// Keys names the entries written on sign-in.
type Keys struct {
	User  string
	Token string
}

func (k Keys) withDefaults() Keys {
	if k.User == "" {
		k.User = DefaultUserKey
	}
	if k.Token == "" {
		k.Token = DefaultTokenKey
	}
	return k
}

// SaveSession writes the user record as JSON under keys.User and the raw
// token under keys.Token.
func SaveSession(ctx context.Context, s Store, keys Keys, user *exchange.User, token string) error {
	if user == nil {
		return errors.New("storage: nil user")
	}
	keys = keys.withDefaults()
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.SetMany(ctx, map[string][]byte{
		keys.User:  data,
		keys.Token: []byte(token),
	})
}

// LoadSession reads back what SaveSession wrote.
func LoadSession(ctx context.Context, s Store, keys Keys) (*exchange.User, string, error) {
	keys = keys.withDefaults()
	data, err := s.Get(ctx, keys.User)
	if err != nil {
		return nil, "", err
	}
	var user exchange.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	token, err := s.Get(ctx, keys.Token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}
	return &user, string(token), nil
}

// ClearSession removes both entries.
func ClearSession(ctx context.Context, s Store, keys Keys) error {
	keys = keys.withDefaults()
	return s.Delete(ctx, keys.User, keys.Token)
}
