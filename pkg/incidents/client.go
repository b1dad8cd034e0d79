// Package incidents reads incident records from the CMS object API. It
// performs no auth logic: a 401 is surfaced as ErrUnauthorized and the
// caller decides what to do with it.
package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"incidentauth/pkg/metrics"
)

// DefaultPath is the object collection holding incidents
const DefaultPath = "/o/c/incidents"

// ErrUnauthorized matches a 401 response
var ErrUnauthorized = errors.New("incident API rejected the token")

// HTTPError is a response with status 400 or above
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("incident API returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("incident API returned %d", e.StatusCode)
}

// Is makes a 401 match ErrUnauthorized
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Comment is one entry of the commentOnIncident relationship
type Comment struct {
	ID          int64     `json:"id"`
	Comment     string    `json:"comment"`
	Creator     *Creator  `json:"creator,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
}

// Creator is the author of an entry
type Creator struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Incident is one incident record. Fields the client does not interpret are
// kept in Properties.
type Incident struct {
	ID           int64          `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Location     string         `json:"location"`
	Status       string         `json:"status"`
	Creator      *Creator       `json:"creator,omitempty"`
	DateCreated  time.Time      `json:"dateCreated"`
	DateModified time.Time      `json:"dateModified"`
	Comments     []Comment      `json:"commentOnIncident"`
	Properties   map[string]any `json:"-"`
}

// List is one page of incidents
type List struct {
	Items      []Incident `json:"items"`
	Page       int        `json:"page"`
	PageSize   int        `json:"pageSize"`
	LastPage   int        `json:"lastPage"`
	TotalCount int        `json:"totalCount"`
}

// Options select a page. Zero values leave the server defaults.
type Options struct {
	Page     int
	PageSize int
}

// Config configures a Client
type Config struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client fetches incidents, anonymously or with a bearer token
type Client struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient creates a client. RateLimit is in requests per second.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	endpoint, err := url.JoinPath(cfg.BaseURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid incident endpoint: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Limit(5)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoint: endpoint,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}, nil
}

// FetchIncidents returns one page of incidents. An empty accessToken makes
// an anonymous request.
func (c *Client) FetchIncidents(ctx context.Context, accessToken string, opts Options) (*List, error) {
	mode := "anonymous"
	if accessToken != "" {
		mode = "authenticated"
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{"nestedFields": {"commentOnIncident"}}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordIncidentRequest(mode, "error")
		return nil, fmt.Errorf("failed to fetch incidents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordIncidentRequest(mode, strconv.Itoa(resp.StatusCode))
		c.logger.Debug("incident request failed", zap.String("mode", mode), zap.Int("status", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	list, err := decodeList(resp.Body)
	if err != nil {
		metrics.RecordIncidentRequest(mode, "decode_error")
		return nil, err
	}
	metrics.RecordIncidentRequest(mode, "ok")
	return list, nil
}

func decodeList(r io.Reader) (*List, error) {
	var raw struct {
		List
		Items []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode incidents: %w", err)
	}

	list := raw.List
	list.Items = make([]Incident, 0, len(raw.Items))
	for _, item := range raw.Items {
		var inc Incident
		if err := json.Unmarshal(item, &inc); err != nil {
			return nil, fmt.Errorf("failed to decode incident: %w", err)
		}
		if err := json.Unmarshal(item, &inc.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode incident: %w", err)
		}
		list.Items = append(list.Items, inc)
	}
	return &list, nil
}
