package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentauth/pkg/session"
)

// fakeCallbacks navigates the way a controller does: to the authorize URL
// when a flow starts, to the app root otherwise
type fakeCallbacks struct {
	nav       *Navigator
	state     session.State
	started   string
	callbacks []string
}

func (f *fakeCallbacks) Start(ctx context.Context, pageURL string) session.State {
	f.started = pageURL
	if f.state == session.FlowStarting {
		_ = f.nav.Navigate(ctx, "https://cms.example.com/o/oauth2/authorize?state=s")
		return f.state
	}
	_ = f.nav.Navigate(ctx, "http://localhost:8000/")
	return f.state
}

func (f *fakeCallbacks) HandleCallback(ctx context.Context, u *url.URL) session.State {
	f.callbacks = append(f.callbacks, u.String())
	_ = f.nav.Navigate(ctx, "http://localhost:8000/")
	return f.state
}

type recordingFallback struct {
	targets []string
}

func (r *recordingFallback) Navigate(_ context.Context, target string) error {
	r.targets = append(r.targets, target)
	return nil
}

func TestNavigatorRecordsInsideCallback(t *testing.T) {
	fallback := &recordingFallback{}
	nav := &Navigator{Fallback: fallback}

	ctx, redirect := WithRedirect(context.Background())
	require.NoError(t, nav.Navigate(ctx, "http://localhost:8000/"))
	assert.Equal(t, "http://localhost:8000/", redirect.Target())
	assert.Empty(t, fallback.targets)

	require.NoError(t, nav.Navigate(context.Background(), "https://idp.example.com/authorize"))
	assert.Equal(t, []string{"https://idp.example.com/authorize"}, fallback.targets)
}

func TestNavigatorWithoutFallback(t *testing.T) {
	nav := &Navigator{}
	assert.ErrorIs(t, nav.Navigate(context.Background(), "x"), ErrNoNavigator)
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name       string
		state      session.State
		wantStatus int
		wantText   string
	}{
		{
			name:       "signed in",
			state:      session.Authenticated,
			wantStatus: http.StatusOK,
			wantText:   "Signed in",
		},
		{
			name:       "rejected",
			state:      session.Anonymous,
			wantStatus: http.StatusBadRequest,
			wantText:   "Sign-in did not complete",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeCallbacks{nav: &Navigator{}, state: tt.state}
			h := NewCallbackHandler(ctrl, nil)

			req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil)
			req.Host = "localhost:8000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := rec.Body.String()
			assert.Contains(t, body, tt.wantText)
			assert.Contains(t, body, `href="http://localhost:8000/"`)

			assert.Equal(t, "http://localhost:8000/callback?code=c&state=s", ctrl.started)

			select {
			case got := <-h.Results():
				assert.Equal(t, tt.state, got)
			default:
				t.Fatal("no result delivered")
			}
		})
	}
}

func TestCallbackHandlerDropsUnreadResults(t *testing.T) {
	h := NewCallbackHandler(&fakeCallbacks{nav: &Navigator{}, state: session.Anonymous}, nil)

	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil))
	}
	assert.Len(t, h.Results(), 1)
}

func TestPageLoadStartingFlowRedirects(t *testing.T) {
	ctrl := &fakeCallbacks{nav: &Navigator{}, state: session.FlowStarting}
	h := NewCallbackHandler(ctrl, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cms.example.com/o/oauth2/authorize?state=s", rec.Header().Get("Location"))
	assert.Len(t, h.Results(), 0, "page loads are not callback outcomes")
}

func TestPageLoadShowsSession(t *testing.T) {
	tests := []struct {
		name     string
		state    session.State
		wantText string
	}{
		{name: "signed in", state: session.Authenticated, wantText: "Your session is valid."},
		{name: "anonymous", state: session.Anonymous, wantText: "Not signed in"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCallbackHandler(&fakeCallbacks{nav: &Navigator{}, state: tt.state}, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantText)
			assert.Len(t, h.Results(), 0)
		})
	}
}

func TestProviderErrorFinishesFlow(t *testing.T) {
	ctrl := &fakeCallbacks{nav: &Navigator{}, state: session.Anonymous}
	h := NewCallbackHandler(ctrl, nil)

	req := httptest.NewRequest(http.MethodGet, "/callback?error=access_denied&state=s", nil)
	req.Host = "localhost:8000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.started, "a refused sign-in must not validate and restart a flow")
	assert.Equal(t, []string{"http://localhost:8000/callback?error=access_denied&state=s"}, ctrl.callbacks)
	assert.Equal(t, session.Anonymous, <-h.Results())
}

func TestRouter(t *testing.T) {
	ctrl := &fakeCallbacks{nav: &Navigator{}, state: session.Authenticated}
	srv := httptest.NewServer(NewRouter(RouterConfig{
		CallbackPath: "/oauth/callback",
		Callback:     NewCallbackHandler(ctrl, nil),
	}))
	t.Cleanup(srv.Close)

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "incidentauth_http_requests_in_flight")

	resp, _ = get("/oauth/callback?code=c&state=s")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, _ = get("/callback")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your session is valid.")
}

func TestRouterRateLimitsCallback(t *testing.T) {
	ctrl := &fakeCallbacks{nav: &Navigator{}, state: session.Anonymous}
	h := NewRouter(RouterConfig{
		Callback:  NewCallbackHandler(ctrl, nil),
		RateLimit: 0.001,
		Burst:     1,
	})

	var codes []int
	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}
