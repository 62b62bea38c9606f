// Package app implements the teachflow-cli commands on top of the shared
// API, realtime and credential-store clients.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teachflow/teachflow-live/pkg/apiclient"
	"github.com/teachflow/teachflow-live/pkg/credstore"
	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/teachflow-cli/internal/config"
)

// ErrNotLoggedIn is returned by commands that need stored credentials.
var ErrNotLoggedIn = errors.New("not logged in, run 'teachflow-cli login' first")

// Themes accepted by SetTheme.
var Themes = []string{"system", "light", "dark"}

// tokenSkew is how close to expiry a stored access token is refreshed
// before it is used for a websocket handshake.
const tokenSkew = 30 * time.Second

type Options struct {
	Config     *config.Config
	Store      credstore.Store
	Out        io.Writer
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// App holds the clients of one CLI invocation.
type App struct {
	cfg    *config.Config
	store  credstore.Store
	auth   *apiclient.Client
	chat   *apiclient.Client
	out    io.Writer
	logger zerolog.Logger

	expired     chan struct{}
	expiredOnce sync.Once
}

func New(opts Options) (*App, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, fmt.Errorf("app: config and store are required")
	}
	logger := log.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	a := &App{
		cfg:     opts.Config,
		store:   opts.Store,
		out:     out,
		logger:  logger,
		expired: make(chan struct{}),
	}

	auth, err := apiclient.New(apiclient.Options{
		BaseURL:          opts.Config.AuthURL,
		HTTPClient:       opts.HTTPClient,
		Store:            opts.Store,
		OnSessionExpired: a.sessionExpired,
		Logger:           &logger,
	})
	if err != nil {
		return nil, err
	}
	a.auth = auth
	a.chat = auth.At(strings.TrimRight(opts.Config.ChatURL, "/") + "/api")
	return a, nil
}

func (a *App) sessionExpired() {
	a.expiredOnce.Do(func() { close(a.expired) })
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}

// Login authenticates and stores the token pair.
func (a *App) Login(ctx context.Context, email, password string) error {
	res, err := a.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	a.printf("Logged in as %s (%s)\n", res.User.Username, res.User.Role)
	return nil
}

// Register creates an account and stores its token pair.
func (a *App) Register(ctx context.Context, req apiclient.RegisterRequest) error {
	res, err := a.auth.Register(ctx, req)
	if err != nil {
		return err
	}
	a.printf("Registered and logged in as %s (%s)\n", res.User.Username, res.User.Role)
	return nil
}

// Logout revokes and forgets the stored credentials. The theme survives.
func (a *App) Logout(ctx context.Context) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}
	a.printf("Logged out\n")
	return nil
}

// WhoAmI prints the server's view of the current user and refreshes the
// stored profile with it.
func (a *App) WhoAmI(ctx context.Context) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	me, err := a.auth.Me(ctx)
	if err != nil {
		return err
	}
	access, refresh, err := credstore.Tokens(ctx, a.store)
	if err != nil {
		return err
	}
	if err := credstore.SaveLogin(ctx, a.store, access, refresh, me); err != nil {
		return err
	}
	a.printf("%s <%s>\n  id:   %s\n  role: %s\n", me.Username, me.Email, me.ID, me.Role)
	return nil
}

// Classes lists the live classes that currently have members.
func (a *App) Classes(ctx context.Context) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	classes, err := a.chat.ListLiveClasses(ctx)
	if err != nil {
		return err
	}
	if len(classes) == 0 {
		a.printf("No live classes right now\n")
		return nil
	}
	a.printf("%-24s %8s %9s  %s\n", "LIVE CLASS", "MEMBERS", "MESSAGES", "LAST ACTIVITY")
	for _, c := range classes {
		last := "-"
		if c.LastActivity > 0 {
			last = time.UnixMilli(c.LastActivity).Format(time.Kitchen)
		}
		a.printf("%-24s %8d %9d  %s\n", c.ID, c.Members, c.Messages, last)
	}
	return nil
}

// Theme returns the stored theme, "system" when none is set.
func (a *App) Theme(ctx context.Context) (string, error) {
	theme, err := credstore.Lookup(ctx, a.store, credstore.KeyTheme)
	if err != nil || theme == "" {
		return "system", err
	}
	return theme, nil
}

// SetTheme stores one of Themes.
func (a *App) SetTheme(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range Themes {
		if t == name {
			if err := a.store.Set(ctx, credstore.KeyTheme, name); err != nil {
				return err
			}
			a.printf("Theme set to %s\n", name)
			return nil
		}
	}
	return fmt.Errorf("unknown theme %q, choose one of %s", name, strings.Join(Themes, ", "))
}

func (a *App) requireLogin(ctx context.Context) error {
	access, refresh, err := credstore.Tokens(ctx, a.store)
	if err != nil {
		return err
	}
	if access == "" && refresh == "" {
		return ErrNotLoggedIn
	}
	return nil
}

// wsToken hands the realtime session an access token, refreshing it first
// when it is about to expire.
func (a *App) wsToken(ctx context.Context) (string, error) {
	token, err := credstore.Lookup(ctx, a.store, credstore.KeyAccessToken)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotLoggedIn
	}
	claims, err := jwt.PeekClaims(token)
	if err == nil && claims.ExpiresAt != nil && time.Until(claims.ExpiresAt.Time) > tokenSkew {
		return token, nil
	}
	a.logger.Debug().Msg("access token near expiry, refreshing before handshake")
	return a.auth.Refresher().Token(ctx, token)
}
