// Package session holds the sign-in state machine. A Controller decides
// when to start a PKCE flow, finishes flows at the callback, reconciles
// identities across instances and recovers from invalid tokens without
// redirect loops.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"incidentauth/pkg/metrics"
	"incidentauth/pkg/notify"
	"incidentauth/pkg/oauth"
	"incidentauth/pkg/pkce"
	"incidentauth/pkg/storage"
	"incidentauth/pkg/token"
	"incidentauth/pkg/validation"
)

// Default timings
const (
	DefaultStaleAfter   = 30 * time.Second
	DefaultGraceWindow  = 10 * time.Second
	DefaultDebounce     = 200 * time.Millisecond
	DefaultCallbackPath = "/callback"
)

// ErrCallbackForged means a callback did not match the pending flow
var ErrCallbackForged = errors.New("callback does not match a pending sign-in")

// Provider is the authorization server as seen by the controller
type Provider interface {
	AuthCodeURL(state, challenge string) string
	Exchange(ctx context.Context, code, verifier string) (*token.Record, error)
	ResolveIdentity(ctx context.Context, accessToken string) (*oauth.Identity, error)
}

// Navigator moves the user agent to target
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// MaterialSource produces fresh PKCE material for every flow
type MaterialSource interface {
	NewMaterial() (*pkce.Material, error)
}

// Broadcaster tells other instances about sign-in and sign-out
type Broadcaster interface {
	Notify(ctx context.Context, e notify.Event) error
	OnEvent(fn func(notify.Event)) (cancel func())
}

// Config wires a Controller. Store, Tab, Provider and Navigator are required.
type Config struct {
	Store     *token.Store
	Tab       storage.KV
	Changes   storage.Watcher
	Provider  Provider
	Navigator Navigator
	PKCE      MaterialSource
	Notifier  Broadcaster

	// CallbackPath is the path of the registered redirect URI
	CallbackPath string
	// AppRootURL is where the user lands after a callback. When empty it is
	// the callback URL's origin.
	AppRootURL string
	// Passive controllers never start a flow
	Passive bool

	StaleAfter  time.Duration
	GraceWindow time.Duration
	Debounce    time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Controller is the session state machine for one instance. Every
// transition runs under one lock.
type Controller struct {
	cfg    Config
	store  *token.Store
	tab    storage.KV
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	disabled  bool
	listeners []func(from, to State)

	stateMu  sync.RWMutex
	state    State
	identity *oauth.Identity
	token    string

	debounceMu sync.Mutex
	timer      *time.Timer
	baseCtx    context.Context
}

// New creates a controller in the Anonymous state
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Tab == nil {
		return nil, errors.New("credential store and tab storage are required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Navigator == nil {
		return nil, errors.New("navigator is required")
	}
	if cfg.PKCE == nil {
		cfg.PKCE = pkce.NewGenerator()
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Controller{
		cfg:     cfg,
		store:   cfg.Store,
		tab:     cfg.Tab,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		state:   Anonymous,
		baseCtx: context.Background(),
	}, nil
}

// State returns the current state
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Identity returns a copy of the cached identity, or nil when not signed in
func (c *Controller) Identity() *oauth.Identity {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	id.Roles = append([]oauth.Role(nil), c.identity.Roles...)
	return &id
}

// AccessToken returns the validated token, or "" when not signed in
func (c *Controller) AccessToken() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.token
}

// OnTransition registers fn to observe state changes. fn runs while the
// controller is locked and must not call back into it.
func (c *Controller) OnTransition(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start is the entry decision for a page load: a callback URL carrying a
// code is exchanged, anything else is validated.
func (c *Controller) Start(ctx context.Context, pageURL string) State {
	u, err := url.Parse(pageURL)
	if err == nil && u.Path == c.cfg.CallbackPath && u.Query().Get("code") != "" {
		return c.HandleCallback(ctx, u)
	}
	return c.Validate(ctx)
}

// Validate checks the stored token and starts a flow when there is none.
// It reports FlowStarting for a run that navigated to the authorize URL.
func (c *Controller) Validate(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate(ctx, !c.cfg.Passive)
}

// Check validates like Validate but never starts a flow
func (c *Controller) Check(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate(ctx, false)
}

// ReportUnauthorized handles a 401 from a resource server: the token is
// cleared and validation runs again.
func (c *Controller) ReportUnauthorized(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("resource rejected token, clearing it")
	if err := c.store.ClearToken(ctx); err != nil {
		c.logger.Error("failed to clear token", zap.Error(err))
	}
	c.forget(ctx)
	return c.validate(ctx, !c.cfg.Passive)
}

// SignOut removes every credential and tells the other instances
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	if err := c.store.ClearPkceMaterial(ctx); err != nil {
		return fmt.Errorf("failed to clear PKCE material: %w", err)
	}
	c.deleteFlag(ctx, KeyAuthInProgress)
	c.deleteFlag(ctx, KeyAuthCompletedAt)
	c.forget(ctx)
	c.setState(Anonymous)
	c.broadcast(ctx, notify.EventSignedOut)

	c.logger.Info("signed out")
	return nil
}

// HandleCallback finishes a flow on the callback page load
func (c *Controller) HandleCallback(ctx context.Context, u *url.URL) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(Exchanging)
	q := u.Query()
	code, state := q.Get("code"), q.Get("state")
	root := c.rootURL(u)

	material, err := c.store.LoadPkceMaterial(ctx)
	if err != nil {
		c.logger.Error("failed to read PKCE material", zap.Error(err))
	}

	if code == "" || state == "" || material == nil ||
		subtle.ConstantTimeCompare([]byte(state), []byte(material.State)) != 1 {
		c.logger.Warn("rejecting callback",
			zap.Error(ErrCallbackForged),
			zap.Bool("has_code", code != ""),
			zap.Bool("has_pending_flow", material != nil),
			zap.String("provider_error", q.Get("error")),
		)
		metrics.RecordCallback("forged")
		c.abandonFlow(ctx)
		c.navigate(ctx, root)
		return c.setState(Anonymous)
	}

	rec, err := c.cfg.Provider.Exchange(ctx, code, material.Verifier)
	// the verifier is spent whatever the outcome
	if clearErr := c.store.ClearPkceMaterial(ctx); clearErr != nil {
		c.logger.Error("failed to clear PKCE material", zap.Error(clearErr))
	}
	if err != nil {
		c.logger.Warn("code exchange failed", zap.Error(err))
		metrics.RecordCallback("rejected")
		c.deleteFlag(ctx, KeyAuthInProgress)
		c.navigate(ctx, root)
		return c.setState(Anonymous)
	}

	identity, err := c.cfg.Provider.ResolveIdentity(ctx, rec.AccessToken)
	if err != nil {
		c.logger.Warn("identity lookup after exchange failed, storing token without owner", zap.Error(err))
	} else {
		rec.OwnerID = identity.UserID
	}

	if err := c.saveToken(ctx, rec); err != nil {
		c.logger.Error("failed to persist token", zap.Error(err))
		metrics.RecordCallback("rejected")
		c.deleteFlag(ctx, KeyAuthInProgress)
		c.navigate(ctx, root)
		return c.setState(Anonymous)
	}

	c.writeTime(ctx, KeyAuthCompletedAt, c.now())
	c.deleteFlag(ctx, KeyAuthInProgress)
	c.remember(ctx, identity, rec.AccessToken)
	c.broadcast(ctx, notify.EventSignedIn)
	metrics.RecordCallback("success")

	c.logger.Info("sign-in completed", zap.String("owner", rec.OwnerID))
	c.navigate(ctx, root)
	return c.setState(Authenticated)
}

// validate runs one validation. allowFlow gates the no-token branch.
func (c *Controller) validate(ctx context.Context, allowFlow bool) State {
	if c.disabled {
		return c.setState(ErrorBackoff)
	}

	c.setState(Validating)
	now := c.now()
	c.expireFlags(ctx, now)

	rec, err := c.store.LoadToken(ctx)
	if err != nil {
		c.logger.Error("failed to read token", zap.Error(err))
		c.forget(ctx)
		return c.outcome(Anonymous)
	}

	if rec != nil && oauth.TokenExpired(rec.AccessToken, now) {
		c.logger.Info("stored token has expired")
		c.dropToken(ctx)
		rec = nil
	}

	if rec == nil {
		c.forget(ctx)
		return c.outcome(c.maybeStartFlow(ctx, now, allowFlow))
	}

	identity, err := c.cfg.Provider.ResolveIdentity(ctx, rec.AccessToken)
	if err != nil && ctx.Err() != nil {
		// the caller went away; that says nothing about the token
		c.logger.Info("validation interrupted, keeping stored token", zap.Error(err))
		c.forget(ctx)
		return c.outcome(Anonymous)
	}
	if err != nil {
		c.logger.Info("stored token failed validation", zap.Error(err), zap.Bool("unauthorized", oauth.IsUnauthorized(err)))
		c.dropToken(ctx)
		c.forget(ctx)
		if !oauth.IsUnauthorized(err) {
			return c.outcome(Anonymous)
		}
		return c.outcome(c.maybeStartFlow(ctx, now, allowFlow))
	}

	if rec.OwnerID != "" && rec.OwnerID != identity.UserID {
		c.logger.Warn("stored token belongs to another user",
			zap.String("stored_owner", rec.OwnerID),
			zap.String("identity", identity.UserID),
		)
		retained, err := c.store.RetainOwner(ctx, identity.UserID)
		if err != nil {
			c.logger.Error("failed to reconcile owner", zap.Error(err))
		}
		c.forget(ctx)
		if retained {
			c.logger.Info("found stored token for current identity")
			c.schedule("owner-retained")
		}
		return c.outcome(Anonymous)
	}

	if rec.OwnerID == "" {
		rec.OwnerID = identity.UserID
		if err := c.saveToken(ctx, rec); err != nil {
			c.logger.Warn("failed to record token owner", zap.Error(err))
		}
	}

	c.deleteFlag(ctx, KeyAuthInProgress)
	c.remember(ctx, identity, rec.AccessToken)
	return c.outcome(Authenticated)
}

// maybeStartFlow is the no-token branch
func (c *Controller) maybeStartFlow(ctx context.Context, now time.Time, allowFlow bool) State {
	if !allowFlow {
		return c.setState(Anonymous)
	}
	if c.flowSuppressed(ctx, now) {
		c.logger.Debug("sign-in suppressed by a recent or running flow")
		return c.setState(Anonymous)
	}
	return c.startFlow(ctx, now)
}

// startFlow persists fresh PKCE material and navigates to the authorize URL
func (c *Controller) startFlow(ctx context.Context, now time.Time) State {
	c.writeTime(ctx, KeyAuthInProgress, now)
	c.setState(FlowStarting)

	material, err := c.cfg.PKCE.NewMaterial()
	if err != nil {
		if errors.Is(err, pkce.ErrCryptoUnavailable) {
			c.logger.Error("secure random source unavailable, sign-in disabled", zap.Error(err))
			c.disabled = true
			metrics.RecordFlowFailure("crypto")
		} else {
			c.logger.Error("failed to create PKCE material", zap.Error(err))
			metrics.RecordFlowFailure("pkce")
		}
		c.deleteFlag(ctx, KeyAuthInProgress)
		return c.setState(ErrorBackoff)
	}

	if err := c.store.SavePkceMaterial(ctx, token.PkceMaterial{Verifier: material.Verifier, State: material.State}); err != nil {
		c.logger.Error("failed to persist PKCE material", zap.Error(err))
		metrics.RecordFlowFailure("storage")
		c.abandonFlow(ctx)
		return c.setState(ErrorBackoff)
	}

	authURL := c.cfg.Provider.AuthCodeURL(material.State, material.Challenge)
	if err := c.cfg.Navigator.Navigate(ctx, authURL); err != nil {
		c.logger.Error("failed to open authorize URL", zap.Error(err))
		metrics.RecordFlowFailure("navigate")
		c.abandonFlow(ctx)
		return c.setState(ErrorBackoff)
	}

	metrics.RecordFlowStarted()
	c.logger.Info("sign-in flow started")
	c.setState(AwaitingCallback)
	return FlowStarting
}

// saveToken stores rec, falling back to a generic record when the owner id
// is not storable
func (c *Controller) saveToken(ctx context.Context, rec *token.Record) error {
	err := c.store.SaveToken(ctx, *rec)
	if err != nil && rec.OwnerID != "" && errors.Is(err, validation.ErrInvalidOwnerID) {
		c.logger.Warn("owner id not storable, keeping token generic", zap.String("owner", rec.OwnerID))
		rec.OwnerID = ""
		err = c.store.SaveToken(ctx, *rec)
	}
	return err
}

func (c *Controller) dropToken(ctx context.Context) {
	if err := c.store.ClearToken(ctx); err != nil {
		c.logger.Error("failed to clear token", zap.Error(err))
	}
}

// abandonFlow erases a flow that can no longer complete
func (c *Controller) abandonFlow(ctx context.Context) {
	if err := c.store.ClearPkceMaterial(ctx); err != nil {
		c.logger.Error("failed to clear PKCE material", zap.Error(err))
	}
	c.deleteFlag(ctx, KeyAuthInProgress)
}

func (c *Controller) remember(ctx context.Context, identity *oauth.Identity, accessToken string) {
	c.stateMu.Lock()
	c.identity = identity
	c.token = accessToken
	c.stateMu.Unlock()

	if identity == nil {
		c.deleteFlag(ctx, KeyActiveUserID)
		return
	}
	if prev, ok, _ := c.tab.Get(ctx, KeyActiveUserID); ok && prev != identity.UserID {
		c.logger.Info("active user changed", zap.String("from", prev), zap.String("to", identity.UserID))
	}
	if err := c.tab.Set(ctx, KeyActiveUserID, identity.UserID); err != nil {
		c.logger.Warn("failed to record active user", zap.Error(err))
	}
}

func (c *Controller) forget(ctx context.Context) {
	c.stateMu.Lock()
	c.identity = nil
	c.token = ""
	c.stateMu.Unlock()
	c.deleteFlag(ctx, KeyActiveUserID)
}

func (c *Controller) broadcast(ctx context.Context, e notify.Event) {
	if c.cfg.Notifier == nil {
		return
	}
	if err := c.cfg.Notifier.Notify(ctx, e); err != nil {
		c.logger.Warn("failed to broadcast auth event", zap.String("event", string(e)), zap.Error(err))
	}
}

func (c *Controller) navigate(ctx context.Context, target string) {
	if err := c.cfg.Navigator.Navigate(ctx, target); err != nil {
		c.logger.Warn("failed to navigate", zap.String("target", target), zap.Error(err))
	}
}

// rootURL is the application root with code and state stripped
func (c *Controller) rootURL(u *url.URL) string {
	if c.cfg.AppRootURL != "" {
		return c.cfg.AppRootURL
	}
	root := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	return root.String()
}

// outcome records the result of a validation run and settles the state.
// A started flow already sits in AwaitingCallback.
func (c *Controller) outcome(s State) State {
	metrics.RecordValidation(s.String())
	if s == FlowStarting {
		return s
	}
	return c.setState(s)
}

// setState moves to s and notifies listeners. It returns s.
func (c *Controller) setState(s State) State {
	c.stateMu.Lock()
	from := c.state
	c.state = s
	c.stateMu.Unlock()

	if from == s {
		return s
	}
	metrics.RecordTransition(s.String())
	c.logger.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", s))
	for _, fn := range c.listeners {
		fn(from, s)
	}
	return s
}
