// Package credstore persists the client-side state shared by every API and
// realtime client of one user: the token pair, the user record and the UI
// theme. It is plain key-value storage with no schema versioning.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys of the persisted client state.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
	KeyTheme        = "theme"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("credstore: key not found")

// Store is a persisted key-value map.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key.
	Clear(ctx context.Context) error
}

// User is the profile persisted under KeyUser.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Lookup returns the value of key, or "" when it is absent.
func Lookup(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Tokens returns the stored access and refresh tokens; missing ones are "".
func Tokens(ctx context.Context, s Store) (access, refresh string, err error) {
	if access, err = Lookup(ctx, s, KeyAccessToken); err != nil {
		return "", "", err
	}
	if refresh, err = Lookup(ctx, s, KeyRefreshToken); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveLogin persists the outcome of a successful login.
func SaveLogin(ctx context.Context, s Store, access, refresh string, user *User) error {
	if err := s.Set(ctx, KeyAccessToken, access); err != nil {
		return err
	}
	if err := s.Set(ctx, KeyRefreshToken, refresh); err != nil {
		return err
	}
	if user == nil {
		return s.Delete(ctx, KeyUser)
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.Set(ctx, KeyUser, string(data))
}

// ClearCredentials removes the token pair and the user record. Other keys,
// such as the theme, are kept.
func ClearCredentials(ctx context.Context, s Store) error {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUser} {
		if err := s.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// LoadUser decodes the stored user record. It returns (nil, nil) when no
// user is stored.
func LoadUser(ctx context.Context, s Store) (*User, error) {
	raw, err := Lookup(ctx, s, KeyUser)
	if err != nil || raw == "" {
		return nil, err
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}
