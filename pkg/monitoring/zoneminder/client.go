// Package zoneminder implements the monitor.Client port against a
// ZoneMinder-style REST API: token login, wrapped JSON records, filter
// segments in the URL path, and page/pageCount pagination.
package zoneminder

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// Config wires a Client to one monitoring system.
type Config struct {
	BaseURL   string // no trailing slash, e.g. https://zm.example.org/zm
	Username  string
	Password  string
	Timeout   time.Duration
	VerifyTLS bool
	PageLimit int // events fetched per page
}

// Client talks to the monitoring system. Safe for concurrent use; the
// command path and the poller share one instance.
type Client struct {
	base      string
	http      *http.Client
	login     *loginSource
	pageLimit int

	mu     sync.Mutex
	tokens oauth2.TokenSource

	namesMu sync.RWMutex
	names   map[string]string // monitor id -> name
}

// New builds a Client. No network traffic happens until the first call.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}

	transport := http.DefaultTransport
	if !cfg.VerifyTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	base := strings.TrimRight(cfg.BaseURL, "/")
	login := &loginSource{
		http:     httpClient,
		loginURL: base + "/api/host/login.json",
		username: cfg.Username,
		password: cfg.Password,
	}

	return &Client{
		base:      base,
		http:      httpClient,
		login:     login,
		pageLimit: pageLimit,
		tokens:    oauth2.ReuseTokenSource(nil, login),
		names:     make(map[string]string),
	}
}

var _ monitor.Client = (*Client)(nil)

// ---------------------------------------------------------------------------
// Port methods
// ---------------------------------------------------------------------------

// ListMonitors returns all monitor units and refreshes the id→name cache.
func (c *Client) ListMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	var mr monitorsResponse
	if err := c.getJSON(ctx, "/api/monitors.json", nil, &mr); err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}

	out := make([]monitor.Monitor, 0, len(mr.Monitors))
	names := make(map[string]string, len(mr.Monitors))
	for _, w := range mr.Monitors {
		m := w.Monitor.toDomain()
		out = append(out, m)
		names[m.ID] = m.Name
	}

	c.namesMu.Lock()
	c.names = names
	c.namesMu.Unlock()

	return out, nil
}

// SetMonitorState arms (active detection) or disarms (passive streaming)
// a monitor.
func (c *Client) SetMonitorState(ctx context.Context, monitorID string, armed bool) error {
	form := url.Values{"Monitor[Enabled]": {"1"}}
	if armed {
		form.Set("Monitor[Function]", "Modect")
	} else {
		form.Set("Monitor[Function]", "Monitor")
	}

	var sr saveResponse
	err := c.postForm(ctx, "/api/monitors/"+url.PathEscape(monitorID)+".json", form, &sr)
	if err != nil {
		return fmt.Errorf("set monitor %s state: %w", monitorID, err)
	}
	// Older API versions answer {"message":"Saved"}; newer ones return the
	// monitor record and no message at all.
	if sr.Message != "" && sr.Message != "Saved" {
		return fmt.Errorf("set monitor %s state: %w: %s", monitorID, monitor.ErrRejected, sr.Message)
	}
	return nil
}

// ListEvents returns events with StartTime >= sinceTime (inclusive), oldest
// page first, up to limit. sinceID is unused here: the API cannot tie-break
// on ID, so boundary events are returned again and filtered by the caller's
// watermark.
func (c *Client) ListEvents(ctx context.Context, sinceTime time.Time, sinceID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = c.pageLimit
	}
	cond := "StartTime >=:" + sinceTime.In(time.Local).Format(timeLayout)
	path := "/api/events/index/" + url.PathEscape(cond) + ".json"

	var out []event.Event
	refreshedNames := false
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q := url.Values{
			"sort":      {"StartTime"},
			"direction": {"asc"},
			"page":      {fmt.Sprintf("%d", page)},
			"limit":     {fmt.Sprintf("%d", c.pageLimit)},
		}
		var er eventsResponse
		if err := c.getJSON(ctx, path, q, &er); err != nil {
			return nil, fmt.Errorf("list events page %d: %w", page, err)
		}
		if len(er.Events) == 0 {
			break
		}

		for _, w := range er.Events {
			name, ok := c.cachedName(w.Event.MonitorID)
			if !ok && !refreshedNames {
				// One cache refresh per call covers monitors added
				// since the last listing.
				if _, err := c.ListMonitors(ctx); err == nil {
					refreshedNames = true
					name, _ = c.cachedName(w.Event.MonitorID)
				}
			}
			ev, err := w.Event.toDomain(c.base, name)
			if err != nil {
				logger.WarnCF("zoneminder", "Skipping undecodable event", map[string]interface{}{
					"event_id": w.Event.ID,
					"error":    err.Error(),
				})
				continue
			}
			out = append(out, ev)
			if len(out) >= limit {
				return out, nil
			}
		}

		if er.Pagination.PageCount <= page {
			break
		}
	}
	return out, nil
}

// RecentEvents returns the newest limit events, oldest first. One descending
// page is enough; the API sorts server-side.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 5
	}

	q := url.Values{
		"sort":      {"StartTime"},
		"direction": {"desc"},
		"page":      {"1"},
		"limit":     {fmt.Sprintf("%d", limit)},
	}
	var er eventsResponse
	if err := c.getJSON(ctx, "/api/events.json", q, &er); err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}

	out := make([]event.Event, 0, len(er.Events))
	refreshedNames := false
	for _, w := range er.Events {
		name, ok := c.cachedName(w.Event.MonitorID)
		if !ok && !refreshedNames {
			if _, err := c.ListMonitors(ctx); err == nil {
				refreshedNames = true
				name, _ = c.cachedName(w.Event.MonitorID)
			}
		}
		ev, err := w.Event.toDomain(c.base, name)
		if err != nil {
			logger.WarnCF("zoneminder", "Skipping undecodable event", map[string]interface{}{
				"event_id": w.Event.ID,
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}

	// Flip the descending page into chat-friendly chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetEvent fetches a single event with its monitor name resolved.
func (c *Client) GetEvent(ctx context.Context, id string) (event.Event, error) {
	env, err := c.fetchEvent(ctx, id)
	if err != nil {
		return event.Event{}, err
	}
	return env.Event.toDomain(c.base, env.Monitor.Name)
}

// EventImage fetches the key-frame JPEG for an event.
func (c *Client) EventImage(ctx context.Context, eventID string) ([]byte, string, error) {
	env, err := c.fetchEvent(ctx, eventID)
	if err != nil {
		return nil, "", err
	}
	frameID := env.keyFrameID()
	if frameID == "" {
		return nil, "", fmt.Errorf("event %s: %w", eventID, monitor.ErrNoMedia)
	}

	q := url.Values{"view": {"image"}, "fid": {frameID}}
	resp, err := c.do(ctx, http.MethodGet, "/index.php", q, nil)
	if err != nil {
		return nil, "", fmt.Errorf("event %s image: %w", eventID, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, "", fmt.Errorf("event %s image: %w", eventID, err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, "", fmt.Errorf("event %s: %w: content type %s", eventID, monitor.ErrNoMedia, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", fmt.Errorf("%w: event %s image read: %v", monitor.ErrUnavailable, eventID, err)
	}
	return data, "event-" + eventID + ".jpg", nil
}

func (c *Client) fetchEvent(ctx context.Context, id string) (singleEventEnvelope, error) {
	var sr singleEventResponse
	if err := c.getJSON(ctx, "/api/events/"+url.PathEscape(id)+".json", nil, &sr); err != nil {
		return singleEventEnvelope{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return sr.Event, nil
}

func (c *Client) cachedName(monitorID string) (string, bool) {
	c.namesMu.RLock()
	defer c.namesMu.RUnlock()
	name, ok := c.names[monitorID]
	return name, ok
}

// ---------------------------------------------------------------------------
// Transport plumbing
// ---------------------------------------------------------------------------

func (c *Client) token() (string, error) {
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// resetSession drops the cached token after the server rejects it (restarts
// invalidate outstanding tokens regardless of advertised expiry).
func (c *Client) resetSession() {
	c.mu.Lock()
	c.tokens = oauth2.ReuseTokenSource(nil, c.login)
	c.mu.Unlock()
	logger.WarnC("zoneminder", "Session token rejected, forcing re-login")
}

// do issues one authenticated request, re-logging in once if the token is
// stale. Callers own the response body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, form url.Values) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.token()
		if err != nil {
			return nil, err
		}

		query := url.Values{"token": {tok}}
		for k, vs := range q {
			query[k] = vs
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path+"?"+query.Encode(), body)
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %v", monitor.ErrRejected, err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", monitor.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			c.resetSession()
			if attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: authentication failed (status %d)", monitor.ErrRejected, resp.StatusCode)
		}
		return resp, nil
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, path, nil, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", monitor.ErrUnavailable, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", monitor.ErrUnavailable, err)
	}
	return nil
}

// classifyStatus folds HTTP statuses into the domain error taxonomy.
// 401/403 never reach here; do() handles re-login.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return monitor.ErrNotFound
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: status %d", monitor.ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", monitor.ErrRejected, status)
	}
}

// ---------------------------------------------------------------------------
// Decode errors
// ---------------------------------------------------------------------------

// DecodeError marks a payload field the adapter could not interpret.
type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
