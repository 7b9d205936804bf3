package zoneminder

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/zonewatch/zonewatch/pkg/domain/monitor"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// loginSource mints access tokens from the monitoring system's login
// endpoint. It implements oauth2.TokenSource; the client wraps it in
// oauth2.ReuseTokenSource so a token is fetched once and reused until it
// nears expiry.
type loginSource struct {
	http     *http.Client
	loginURL string
	username string
	password string
}

// tokenSafety is shaved off the advertised lifetime so a token never dies
// mid-poll-cycle.
const tokenSafety = 60 * time.Second

func (s *loginSource) Token() (*oauth2.Token, error) {
	resp, err := s.http.PostForm(s.loginURL, url.Values{
		"user": {s.username},
		"pass": {s.password},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", monitor.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: login read: %v", monitor.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: login refused (status %d)", monitor.ErrRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: login status %d", monitor.ErrUnavailable, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("%w: login decode: %v", monitor.ErrUnavailable, err)
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("%w: login returned no access token", monitor.ErrRejected)
	}

	lifetime := time.Duration(lr.AccessTokenExpires) * time.Second
	if lifetime > tokenSafety {
		lifetime -= tokenSafety
	}

	logger.InfoCF("zoneminder", "Session established", map[string]interface{}{
		"api_version": lr.APIVersion,
		"expires_in":  lifetime.String(),
	})

	return &oauth2.Token{
		AccessToken: lr.AccessToken,
		Expiry:      time.Now().Add(lifetime),
	}, nil
}

var _ oauth2.TokenSource = (*loginSource)(nil)
