package incidents

import (
	"context"
	"errors"

	"incidentauth/pkg/oauth"
	"incidentauth/pkg/session"
)

// Session is the part of the session controller the fetch glue needs
type Session interface {
	AccessToken() string
	ReportUnauthorized(ctx context.Context) session.State
}

// FetchWithSession fetches with the session's token. A 401 is reported to
// the session and the page is fetched again anonymously. The returned bool
// reports whether the page was fetched with a token.
func FetchWithSession(ctx context.Context, c *Client, s Session, opts Options) (*List, bool, error) {
	accessToken := s.AccessToken()
	list, err := c.FetchIncidents(ctx, accessToken, opts)
	if err == nil {
		return list, accessToken != "", nil
	}
	if accessToken == "" || !errors.Is(err, ErrUnauthorized) {
		return nil, false, err
	}

	c.logger.Info("incident API rejected token, falling back to anonymous view")
	s.ReportUnauthorized(ctx)

	list, err = c.FetchIncidents(ctx, "", opts)
	if err != nil {
		return nil, false, err
	}
	return list, false, nil
}

// CanEdit reports whether identity holds one of editorRoles
func CanEdit(identity *oauth.Identity, editorRoles []string) bool {
	for _, role := range editorRoles {
		if identity.HasRole(role) {
			return true
		}
	}
	return false
}
