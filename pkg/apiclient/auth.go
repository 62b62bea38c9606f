package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/teachflow/teachflow-live/pkg/credstore"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// AuthResult is returned by login and register.
type AuthResult struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresAt    int64          `json:"expiresAt"`
	User         credstore.User `json:"user"`
}

// Login authenticates and persists the token pair and user record.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	if err := c.postAnonymous(ctx, "/auth/login", LoginRequest{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	if err := credstore.SaveLogin(ctx, c.store, out.AccessToken, out.RefreshToken, &out.User); err != nil {
		return nil, fmt.Errorf("persist login: %w", err)
	}
	return &out, nil
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.postAnonymous(ctx, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	if err := credstore.SaveLogin(ctx, c.store, out.AccessToken, out.RefreshToken, &out.User); err != nil {
		return nil, fmt.Errorf("persist login: %w", err)
	}
	return &out, nil
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*credstore.User, error) {
	var out credstore.User
	if err := c.Get(ctx, "/auth/me", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// postAnonymous sends credentials without a bearer token. A 401 here is a
// wrong password, not an expired session, so it never refreshes.
func (c *Client) postAnonymous(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, payload, "", out)
}

// Logout asks the server to revoke the user's tokens, then wipes the
// persisted credentials. The theme is kept. The server call is best effort and never refreshes.
func (c *Client) Logout(ctx context.Context) error {
	if token, err := credstore.Lookup(ctx, c.store, credstore.KeyAccessToken); err == nil && token != "" {
		if err := c.send(ctx, http.MethodPost, "/auth/logout", nil, token, nil); err != nil {
			c.logger.Debug().Err(err).Msg("server logout failed")
		}
	}
	return credstore.ClearCredentials(ctx, c.store)
}

// LiveClass is one active live class as listed by the chat service.
type LiveClass struct {
	ID           string `json:"id"`
	Members      int    `json:"members"`
	Messages     int    `json:"messages"`
	LastActivity int64  `json:"lastActivity"`
}

// ListLiveClasses returns the live classes that currently have members.
func (c *Client) ListLiveClasses(ctx context.Context) ([]LiveClass, error) {
	var out []LiveClass
	if err := c.Get(ctx, "/live-classes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionExpired reports whether err ended the session.
func SessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
