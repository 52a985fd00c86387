package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-harvester/internal/config"
)

// BrokerProvider is the provider name the credentials broker expects.
type BrokerProvider string

const (
	BrokerGoogle    BrokerProvider = "google"
	BrokerMicrosoft BrokerProvider = "microsoft"
)

// brokerProviderFor maps an account's backend onto the broker's naming.
func brokerProviderFor(kind config.ProviderKind) (BrokerProvider, bool) {
	switch kind {
	case config.ProviderGmail:
		return BrokerGoogle, true
	case config.ProviderOutlook:
		return BrokerMicrosoft, true
	}
	return "", false
}

// BetterAuthClient fetches OAuth tokens from a BetterAuth server, which
// owns storage and refresh of the provider tokens.
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the provider token linked to the user behind userJWT.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider BrokerProvider) (*oauth2.Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoAccountConnected, provider)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("broker returned an empty access token")
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns a source that asks the broker again whenever the
// current token expires.
func (c *BetterAuthClient) TokenSource(ctx context.Context, userJWT string, provider BrokerProvider, first *oauth2.Token) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(first, &brokerSource{ctx: ctx, client: c, jwt: userJWT, provider: provider})
}

type brokerSource struct {
	ctx      context.Context
	client   *BetterAuthClient
	jwt      string
	provider BrokerProvider
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	return s.client.GetToken(s.ctx, s.jwt, s.provider)
}
