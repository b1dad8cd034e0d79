package handlers

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	. "maragu.dev/gomponents"
	. "maragu.dev/gomponents/html"

	"incidentauth/pkg/session"
)

// Callbacks is the controller as seen by the loopback server
type Callbacks interface {
	Start(ctx context.Context, pageURL string) session.State
	HandleCallback(ctx context.Context, u *url.URL) session.State
}

// CallbackHandler serves the registered redirect URI and the app root. A
// request carrying a code or a provider error finishes the pending flow;
// any other load validates the session like a page load would.
type CallbackHandler struct {
	ctrl    Callbacks
	logger  *zap.Logger
	results chan session.State
}

func NewCallbackHandler(ctrl Callbacks, logger *zap.Logger) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackHandler{
		ctrl:    ctrl,
		logger:  logger,
		results: make(chan session.State, 1),
	}
}

// Results delivers the outcome of each callback. Outcomes nobody reads are
// dropped.
func (h *CallbackHandler) Results() <-chan session.State {
	return h.results
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, redirect := WithRedirect(r.Context())
	u := requestURL(r)
	q := u.Query()
	callback := q.Get("code") != "" || q.Get("error") != ""

	var state session.State
	if q.Get("error") != "" {
		// the provider refused; never restart a flow from its answer
		state = h.ctrl.HandleCallback(ctx, u)
	} else {
		state = h.ctrl.Start(ctx, u.String())
	}
	h.logger.Info("page handled", zap.Stringer("state", state), zap.Bool("callback", callback))

	if !callback {
		if state == session.FlowStarting && redirect.Target() != "" {
			http.Redirect(w, r, redirect.Target(), http.StatusFound)
			return
		}
		h.render(w, statusPage(state == session.Authenticated), http.StatusOK)
		return
	}

	select {
	case h.results <- state:
	default:
	}

	if state != session.Authenticated {
		h.render(w, resultPage(false, redirect.Target()), http.StatusBadRequest)
		return
	}
	h.render(w, resultPage(true, redirect.Target()), http.StatusOK)
}

func (h *CallbackHandler) render(w http.ResponseWriter, page Node, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := page.Render(w); err != nil {
		h.logger.Warn("failed to render page", zap.Error(err))
	}
}

// requestURL rebuilds the absolute URL the browser was sent to
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	return &u
}

func resultPage(ok bool, root string) Node {
	if !ok {
		return page("failure", "✗", "Sign-in did not complete",
			"The sign-in could not be verified. Return to your terminal and try again.", root)
	}
	return page("success", "✓", "Signed in", "You can close this window and return to your terminal.", root)
}

func statusPage(signedIn bool) Node {
	if signedIn {
		return page("success", "✓", "Signed in", "Your session is valid.", "")
	}
	return page("failure", "✗", "Not signed in", "Run incidentauth login to sign in.", "")
}

func page(class, mark, heading, detail, root string) Node {
	return HTML(
		Head(
			Meta(Charset("UTF-8")),
			TitleEl(Text(heading)),
			StyleEl(Raw(`
				body {
					font-family: Arial, sans-serif;
					max-width: 600px;
					margin: 50px auto;
					padding: 20px;
					text-align: center;
				}
				.success { color: #4CAF50; font-size: 48px; margin-bottom: 20px; }
				.failure { color: #E53935; font-size: 48px; margin-bottom: 20px; }
				h1 { color: #333; }
				p { color: #666; font-size: 18px; }
			`)),
		),
		Body(
			Div(Class(class), Text(mark)),
			H1(Text(heading)),
			P(Text(detail)),
			If(root != "",
				P(
					Style("margin-top: 40px; font-size: 14px;"),
					A(Href(root), Text("Continue to incidents")),
				),
			),
		),
	)
}
