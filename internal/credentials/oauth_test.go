package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuthClientRefresh(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","expires_in":86399,"token_type":"Bearer","locationId":"loc-1"}`))
	}))
	defer server.Close()

	client := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "secret", TokenURL: server.URL}, nil)
	tr, err := client.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-1", form.Get("refresh_token"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "at-2", tr.AccessToken)
	assert.Equal(t, "rt-2", tr.RefreshToken)
	assert.Equal(t, 86399, tr.ExpiresIn)
	assert.Equal(t, "loc-1", tr.LocationID)
}

func TestOAuthClientRefreshRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer server.Close()

	client := NewOAuthClient(OAuthConfig{TokenURL: server.URL}, nil)
	_, err := client.Refresh(context.Background(), "rt-1")
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestOAuthClientServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewOAuthClient(OAuthConfig{TokenURL: server.URL}, nil)
	_, err := client.Refresh(context.Background(), "rt-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefreshRejected)
}

func TestOAuthClientExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "https://app.example/oauth/callback", r.PostForm.Get("redirect_uri"))
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":60}`))
	}))
	defer server.Close()

	client := NewOAuthClient(OAuthConfig{TokenURL: server.URL, RedirectURI: "https://app.example/oauth/callback"}, nil)
	tr, err := client.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "rt", tr.RefreshToken)
}

func TestOAuthClientMissingAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expires_in":60}`))
	}))
	defer server.Close()

	client := NewOAuthClient(OAuthConfig{TokenURL: server.URL}, nil)
	_, err := client.Refresh(context.Background(), "rt")
	assert.Error(t, err)
}

func TestAuthorizationURL(t *testing.T) {
	client := NewOAuthClient(OAuthConfig{
		ClientID:     "cid",
		AuthorizeURL: "https://provider.example/oauth/chooselocation",
		RedirectURI:  "https://app.example/oauth/callback",
		Scopes:       "calendars.write",
	}, nil)

	parsed, err := url.Parse(client.AuthorizationURL("st"))
	require.NoError(t, err)
	assert.Equal(t, "provider.example", parsed.Host)
	assert.Equal(t, "st", parsed.Query().Get("state"))
	assert.Equal(t, "code", parsed.Query().Get("response_type"))
	assert.Equal(t, "calendars.write", parsed.Query().Get("scope"))
}
