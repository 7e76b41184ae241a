package gphotos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// TokenSource supplies a valid OAuth bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed access token. Used in tests and
// when the caller manages refresh itself.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// RefreshTokenSource exchanges a long-lived refresh token for access
// tokens and caches them until shortly before expiry.
type RefreshTokenSource struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

func (s *RefreshTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.expiry) {
		return s.accessToken, nil
	}

	tokenURL := s.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	form := url.Values{
		"client_id":     {s.ClientID},
		"client_secret": {s.ClientSecret},
		"refresh_token": {s.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.UpstreamError{Op: "refresh token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.UpstreamError{Op: "refresh token", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.UpstreamError{Op: "refresh token", Err: err}
	}
	if body.AccessToken == "" {
		return "", errors.UpstreamError{Op: "refresh token", Err: errors.New("empty access token in response")}
	}

	s.accessToken = body.AccessToken
	// Renew a minute early so in-flight requests don't race expiry.
	s.expiry = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - time.Minute)
	return s.accessToken, nil
}
