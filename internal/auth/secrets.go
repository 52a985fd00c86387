package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mail-harvester/internal/config"
)

// secretPatterns are tried in order; the first pattern with a match wins.
var secretPatterns = []string{"client_secret*.json", "credentials*.json", "oauth*.json"}

var errNoClientSecret = errors.New("no client secret file found")

// GraphMailScopes are requested for Outlook accounts.
var GraphMailScopes = []string{"offline_access", "https://graph.microsoft.com/Mail.Read"}

// FindClientSecret locates the OAuth client secret in dir.
func FindClientSecret(dir string) (string, error) {
	for _, pattern := range secretPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("%w in %s", errNoClientSecret, dir)
}

// outlookSecret is the client registration file for Outlook accounts.
type outlookSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Tenant       string `json:"tenant"`
	RedirectURL  string `json:"redirect_url"`
}

// OAuthConfig builds the OAuth client configuration for acct from its
// client secret file.
func OAuthConfig(acct config.Account) (*oauth2.Config, error) {
	path, err := FindClientSecret(acct.CredentialsDir)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client secret: %w", err)
	}

	switch acct.Provider {
	case config.ProviderOutlook:
		var s outlookSecret
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("parsing client secret %s: %w", path, err)
		}
		if s.ClientID == "" {
			return nil, fmt.Errorf("client secret %s: missing client_id", path)
		}
		tenant := s.Tenant
		if tenant == "" {
			tenant = acct.Tenant
		}
		redirect := s.RedirectURL
		if redirect == "" {
			redirect = "http://localhost"
		}
		return &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			RedirectURL:  redirect,
			Scopes:       GraphMailScopes,
		}, nil
	default:
		cfg, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parsing client secret %s: %w", path, err)
		}
		return cfg, nil
	}
}
