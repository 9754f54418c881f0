package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	maxHTTPRetries   = 3
	oauthEarlyExpiry = 60 * time.Second
)

// backoffBase is a var so tests can shorten the retry schedule.
var backoffBase = time.Second

// httpClient wraps an API connector's outbound requests with a token-bucket
// rate limit, bounded retry with exponential backoff, and auth decoration.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
	auth    authorizer
	headers map[string]string
}

// authorizer decorates one request with credentials.
type authorizer interface {
	apply(req *http.Request) error
}

type noAuth struct{}

func (noAuth) apply(*http.Request) error { return nil }

type apiKeyAuth struct {
	header string
	key    string
}

func (a apiKeyAuth) apply(req *http.Request) error {
	req.Header.Set(a.header, a.key)
	return nil
}

type basicAuth struct {
	username string
	password string
}

func (a basicAuth) apply(req *http.Request) error {
	req.SetBasicAuth(a.username, a.password)
	return nil
}

type bearerAuth struct {
	token string
}

func (a bearerAuth) apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

// oauthAuth pulls tokens from a reusable source that refreshes 60s before
// expiry, so a token never dies mid-extraction.
type oauthAuth struct {
	source oauth2.TokenSource
}

func (a oauthAuth) apply(req *http.Request) error {
	tok, err := a.source.Token()
	if err != nil {
		return &ConnectionError{Err: errors.New(RedactSecrets(err.Error()))}
	}
	tok.SetAuthHeader(req)
	return nil
}

// newHTTPClient builds a client from connector config. rps is the default
// request rate for the transport; config requests_per_second (alias
// rate_limit) overrides it. Requests time out after config timeout seconds
// (30 when unset); connection establishment is capped at 10s on its own.
func newHTTPClient(b *Base, rps float64) (*httpClient, error) {
	for _, key := range []string{"requests_per_second", "rate_limit"} {
		v, ok := b.config[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			rps = n
		case int:
			rps = float64(n)
		}
		break
	}
	if rps <= 0 {
		rps = 1
	}

	auth, err := buildAuthorizer(b)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	for k, v := range b.configMap("headers") {
		headers[k] = fmt.Sprint(v)
	}

	timeout := time.Duration(b.configInt("timeout", 30)) * time.Second
	return &httpClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		auth:    auth,
		headers: headers,
	}, nil
}

func buildAuthorizer(b *Base) (authorizer, error) {
	switch authType := b.configString("auth_type", "none"); authType {
	case "none", "":
		return noAuth{}, nil
	case "api_key":
		key := b.configString("api_key", "")
		if key == "" {
			return nil, &ConfigurationError{Field: "api_key", Reason: "required for api_key auth"}
		}
		return apiKeyAuth{header: b.configString("api_key_header", "X-API-Key"), key: key}, nil
	case "basic":
		username := b.configString("username", "")
		if username == "" {
			return nil, &ConfigurationError{Field: "username", Reason: "required for basic auth"}
		}
		return basicAuth{username: username, password: b.configString("password", "")}, nil
	case "bearer":
		token := b.configString("bearer_token", "")
		if token == "" {
			return nil, &ConfigurationError{Field: "bearer_token", Reason: "required for bearer auth"}
		}
		return bearerAuth{token: token}, nil
	case "oauth2":
		return buildOAuth(b)
	default:
		return nil, &ConfigurationError{Field: "auth_type", Reason: "unknown auth type " + authType}
	}
}

func buildOAuth(b *Base) (authorizer, error) {
	tokenURL := b.configString("oauth_token_url", "")
	clientID := b.configString("oauth_client_id", "")
	clientSecret := b.configString("oauth_client_secret", "")
	if tokenURL == "" || clientID == "" {
		return nil, &ConfigurationError{Field: "oauth_token_url", Reason: "oauth_token_url and oauth_client_id are required"}
	}
	scopes := b.configStrings("oauth_scopes")
	ctx := context.Background()

	var source oauth2.TokenSource
	switch grant := b.configString("oauth_grant_type", "client_credentials"); grant {
	case "client_credentials":
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		source = cfg.TokenSource(ctx)
	case "password":
		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		}
		tok, err := cfg.PasswordCredentialsToken(ctx, b.configString("username", ""), b.configString("password", ""))
		if err != nil {
			return nil, &ConnectionError{ConnectorID: b.ID(), Err: errors.New(RedactSecrets(err.Error()))}
		}
		source = cfg.TokenSource(ctx, tok)
	case "refresh_token":
		refresh := b.configString("oauth_refresh_token", "")
		if refresh == "" {
			return nil, &ConfigurationError{Field: "oauth_refresh_token", Reason: "required for refresh_token grant"}
		}
		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		}
		source = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	default:
		return nil, &ConfigurationError{Field: "oauth_grant_type", Reason: "unknown grant type " + grant}
	}

	return oauthAuth{source: oauth2.ReuseTokenSourceWithExpiry(nil, source, oauthEarlyExpiry)}, nil
}

// get issues a rate-limited GET with retry. 429 and 5xx retry with
// exponential backoff and jitter, honoring Retry-After when present; other
// 4xx are terminal. The caller owns the returned body.
func (h *httpClient) get(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxHTTPRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &ConfigurationError{Field: "url", Reason: err.Error()}
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
		if err := h.auth.apply(req); err != nil {
			return nil, err
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = &ConnectionError{Err: errors.New(RedactSecrets(err.Error()))}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			drain(resp)
			lastErr = &RateLimitError{
				RetryAfter: retryAfter,
				Err:        fmt.Errorf("GET %s returned 429", sanitizeURL(rawURL)),
			}
			continue
		case resp.StatusCode >= 500:
			drain(resp)
			lastErr = &ConnectionError{Err: fmt.Errorf("GET %s returned %d", sanitizeURL(rawURL), resp.StatusCode)}
			continue
		case resp.StatusCode >= 400:
			drain(resp)
			return nil, &ExtractionError{Err: fmt.Errorf("GET %s returned %d", sanitizeURL(rawURL), resp.StatusCode)}
		}
		return resp, nil
	}
	return nil, lastErr
}

// backoffDelay computes base*2^(attempt-1) with jitter, or the server's
// Retry-After when the last failure was a rate limit.
func backoffDelay(attempt int, lastErr error) time.Duration {
	var rl *RateLimitError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter) * time.Second
	}
	delay := backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		if secs := int(time.Until(t).Seconds()); secs > 0 {
			return secs
		}
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// sanitizeURL strips embedded userinfo and query values before a URL lands
// in an error message.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactSecrets(raw)
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
