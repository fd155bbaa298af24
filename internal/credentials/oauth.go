package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// OAuthConfig holds the calendar provider's OAuth client settings.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	AuthorizeURL string
	RedirectURI  string
	Scopes       string
	Timeout      time.Duration
}

// OAuthClient performs the authorization-code and refresh grants.
type OAuthClient struct {
	config     OAuthConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewOAuthClient creates an OAuth client for the calendar provider.
func NewOAuthClient(config OAuthConfig, logger *logging.Logger) *OAuthClient {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuthClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// AuthorizationURL builds the consent URL the practice admin is redirected to.
func (c *OAuthClient) AuthorizationURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.config.ClientID},
		"redirect_uri":  {c.config.RedirectURI},
		"scope":         {c.config.Scopes},
		"state":         {state},
	}
	return c.config.AuthorizeURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for a token pair.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.config.RedirectURI},
		"user_type":     {"Location"},
	})
}

// Refresh implements Refresher.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"user_type":     {"Location"},
	})
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *OAuthClient) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	grant := form.Get("grant_type")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("credentials: create %s request: %w", grant, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credentials: %s request failed: %w", grant, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s response: %w", grant, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		var oe oauthErrorBody
		_ = json.Unmarshal(body, &oe)
		c.logger.Warn("oauth grant rejected", "grant_type", grant, "status", resp.StatusCode, "error", oe.Error)
		return nil, fmt.Errorf("%w: status %d %s", ErrRefreshRejected, resp.StatusCode, oe.Error)
	case resp.StatusCode != http.StatusOK:
		c.logger.Error("oauth grant failed", "grant_type", grant, "status", resp.StatusCode)
		return nil, fmt.Errorf("credentials: %s failed: status %d", grant, resp.StatusCode)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("credentials: parse %s response: %w", grant, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("credentials: %s response missing access_token", grant)
	}
	return &tr, nil
}
