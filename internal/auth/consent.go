package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-harvester/internal/config"
)

// ConsentFlow obtains a first token for an account that has none. It may
// block on the user.
type ConsentFlow interface {
	Authorize(ctx context.Context, acct config.Account, cfg *oauth2.Config) (*oauth2.Token, error)
}

// TerminalConsent prints the authorization URL and reads the code the user
// pastes back.
type TerminalConsent struct {
	In  io.Reader
	Out io.Writer
}

func (t TerminalConsent) Authorize(ctx context.Context, acct config.Account, cfg *oauth2.Config) (*oauth2.Token, error) {
	state := uuid.NewString()
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
	fmt.Fprintf(t.Out, "Authorize account %q by visiting:\n%v\n\nPaste the authorization code: ", acct.Name, authURL)

	scanner := bufio.NewScanner(t.In)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConsentCancelled, err)
		}
		return nil, ErrConsentCancelled
	}
	code := strings.TrimSpace(scanner.Text())
	if code == "" {
		return nil, ErrConsentCancelled
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// NoConsent refuses to start a consent flow. Unattended runs use it.
type NoConsent struct{}

func (NoConsent) Authorize(context.Context, config.Account, *oauth2.Config) (*oauth2.Token, error) {
	return nil, fmt.Errorf("%w: interactive consent disabled", ErrConsentCancelled)
}
