// Package apiclient is the HTTP client for the TeachFlow REST API. It
// attaches the stored bearer token to every request and, when the server
// answers 401, refreshes the token pair once and replays the request.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teachflow/teachflow-live/pkg/credstore"
	"github.com/teachflow/teachflow-live/pkg/log"
)

// RefreshPath is where the refresh call goes, relative to the base URL.
const RefreshPath = "/auth/refresh"

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:8081/api.
	BaseURL    string
	HTTPClient *http.Client
	Store      credstore.Store

	// OnSessionExpired runs after a failed refresh has wiped the store.
	OnSessionExpired func()

	// RefreshTimeout bounds the refresh call. Defaults to 10s.
	RefreshTimeout time.Duration
	Logger         *zerolog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL   string
	http      *http.Client
	store     credstore.Store
	refresher *Refresher
	logger    zerolog.Logger
}

// envelope mirrors pkg/response.Response on the decoding side.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("apiclient: base URL is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("apiclient: credential store is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := log.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		store:   opts.Store,
		logger:  logger,
	}
	c.refresher = NewRefresher(opts.Store, c.refresh, opts.RefreshTimeout, opts.OnSessionExpired, logger)
	return c, nil
}

// At returns a client for another API root that shares this client's store
// and refresher, so a 401 from either host joins the same refresh.
func (c *Client) At(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// Refresher exposes the client's refresh coordinator.
func (c *Client) Refresher() *Refresher {
	return c.refresher
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends a request and decodes the envelope's data into out (which may be
// nil). A 401 triggers one refresh-and-replay; a 401 on the replay is
// returned as an *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	token, err := credstore.Lookup(ctx, c.store, credstore.KeyAccessToken)
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}

	err = c.send(ctx, method, path, payload, token, out)
	if !IsUnauthorized(err) {
		return err
	}

	c.logger.Debug().
		Str(log.FieldMethod, method).
		Str(log.FieldPath, path).
		Msg("unauthorized, refreshing token")

	fresh, rerr := c.refresher.Token(ctx, token)
	if rerr != nil {
		return rerr
	}
	return c.send(ctx, method, path, payload, fresh, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if envErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if envErr != nil {
		return fmt.Errorf("decode response: %w", envErr)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// refresh is the default RefreshFunc. It bypasses Do so a rejected refresh
// never recurses into another refresh.
func (c *Client) refresh(ctx context.Context, refreshToken string) (string, string, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", err
	}

	var out refreshResponse
	if err := c.send(ctx, http.MethodPost, RefreshPath, payload, "", &out); err != nil {
		return "", "", err
	}
	if out.AccessToken == "" {
		return "", "", fmt.Errorf("refresh response carried no access token")
	}
	return out.AccessToken, out.RefreshToken, nil
}
