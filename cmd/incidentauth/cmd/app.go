package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incidentauth/pkg/browser"
	"incidentauth/pkg/config"
	"incidentauth/pkg/handlers"
	"incidentauth/pkg/logging"
	"incidentauth/pkg/notify"
	"incidentauth/pkg/oauth"
	"incidentauth/pkg/seal"
	"incidentauth/pkg/session"
	"incidentauth/pkg/storage"
	"incidentauth/pkg/token"
)

// app is one client instance: durable storage shared with every other
// process of the profile plus this process's controller
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	durable  *storage.SQLite
	notifier *notify.Notifier
	ctrl     *session.Controller
}

// newApp wires an instance. Passive instances never open a browser.
func newApp(ctx context.Context, cmd *cobra.Command, passive bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	opts := []storage.SQLiteOption{storage.WithLogger(logger)}
	signing, encryption, err := cfg.SealKeys()
	if err != nil {
		return nil, err
	}
	if signing != nil {
		sealer, err := seal.NewSealer(signing, encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sealing: %w", err)
		}
		opts = append(opts, storage.WithSealer(sealer))
	}

	path := cfg.StorePath
	if path == "" {
		path = storage.DefaultPath()
	}
	durable, err := storage.OpenSQLite(ctx, path, opts...)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, cfg, logger, durable, passive, cmd.OutOrStdout())
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger, durable *storage.SQLite, passive bool, out io.Writer) (*app, error) {
	// Flags live in memory unless a session ID joins them to other commands
	var tab storage.KV = storage.NewMemory()
	if cfg.SessionID != "" {
		tab = storage.WithPrefix(durable, "session:"+cfg.SessionID+":")
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier := notify.New(
		notify.WithStorage(durable),
		notify.WithLogger(logger.Named("notify")),
	)

	ctrl, err := session.New(session.Config{
		Store:        token.NewStore(durable),
		Tab:          tab,
		Changes:      durable,
		Provider:     provider,
		Navigator:    &handlers.Navigator{Fallback: &terminalNavigator{browser: browser.NewNavigator(logger), out: out}},
		Notifier:     notifier,
		CallbackPath: cfg.CallbackPath(),
		AppRootURL:   cfg.AppRootURL,
		Passive:      passive,
		StaleAfter:   cfg.StaleAfter,
		GraceWindow:  cfg.GraceWindow,
		Debounce:     cfg.Debounce,
		Logger:       logger.Named("session"),
	})
	if err != nil {
		notifier.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		durable:  durable,
		notifier: notifier,
		ctrl:     ctrl,
	}, nil
}

// newProvider resolves the endpoints, through discovery when an issuer is set
func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*oauth.Provider, error) {
	authorizeURL, err := cfg.Endpoint(cfg.AuthorizeURL)
	if err != nil {
		return nil, err
	}
	tokenURL, err := cfg.Endpoint(cfg.TokenURL)
	if err != nil {
		return nil, err
	}
	identityURL, err := cfg.Endpoint(cfg.IdentityURL)
	if err != nil {
		return nil, err
	}

	if cfg.IssuerURL != "" {
		endpoints, err := oauth.Discover(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, err
		}
		authorizeURL, tokenURL = endpoints.AuthorizeURL, endpoints.TokenURL
		logger.Debug("using discovered endpoints",
			zap.String("authorize", authorizeURL),
			zap.String("token", tokenURL),
		)
	}

	return oauth.NewProvider(oauth.Config{
		ClientID:     cfg.ClientID,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		AuthorizeURL: authorizeURL,
		TokenURL:     tokenURL,
		IdentityURL:  identityURL,
		Timeout:      cfg.Timeout,
		Logger:       logger.Named("oauth"),
	})
}

func (a *app) Close() {
	a.notifier.Close()
	if err := a.durable.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// opener is satisfied by *browser.Navigator
type opener interface {
	Navigate(ctx context.Context, target string) error
}

// terminalNavigator opens the browser and always prints the URL, so a
// missing browser never aborts the flow
type terminalNavigator struct {
	browser opener
	out     io.Writer
}

func (t *terminalNavigator) Navigate(ctx context.Context, target string) error {
	fmt.Fprintf(t.out, "🔐 Opening browser for authentication...\n\n")
	if err := t.browser.Navigate(ctx, target); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		fmt.Fprintf(t.out, "\nPlease visit this URL manually:\n%s\n\n", target)
		return nil
	}
	fmt.Fprintf(t.out, "If browser doesn't open, visit:\n%s\n\n", target)
	return nil
}
