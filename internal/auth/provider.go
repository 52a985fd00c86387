package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/logger"
)

// Handle is an authenticated session for one account. OAuth accounts get
// an HTTP client that signs and refreshes on its own; IMAP accounts get a
// username and password.
type Handle struct {
	Account     string
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
	Username    string
	Password    string
}

// ProviderOptions configures NewProvider.
type ProviderOptions struct {
	Cache   TokenCache
	Consent ConsentFlow
	// Broker, when set, serves accounts configured with a broker JWT.
	Broker *BetterAuthClient
	// Keyring holds IMAP passwords not supplied through the environment.
	Keyring        keyring.Keyring
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Provider authenticates accounts.
type Provider struct {
	cache   TokenCache
	consent ConsentFlow
	broker  *BetterAuthClient
	ring    keyring.Keyring
	timeout time.Duration
	log     *zap.Logger
}

// NewProvider creates a credential provider.
func NewProvider(opts ProviderOptions) *Provider {
	if opts.Cache == nil {
		opts.Cache = FileCache{}
	}
	if opts.Consent == nil {
		opts.Consent = NoConsent{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Provider{
		cache:   opts.Cache,
		consent: opts.Consent,
		broker:  opts.Broker,
		ring:    opts.Keyring,
		timeout: opts.RequestTimeout,
		log:     logger.OrNop(opts.Logger),
	}
}

// Authenticate returns a usable handle for acct, refreshing or obtaining
// a token as needed. Every failure is an *AuthError.
func (p *Provider) Authenticate(ctx context.Context, acct config.Account) (*Handle, error) {
	log := p.log.With(zap.String("account", acct.Name))

	switch {
	case acct.Provider == config.ProviderIMAP:
		return p.imapHandle(acct)
	case acct.BrokerJWTEnv != "":
		return p.brokerHandle(ctx, acct)
	}

	cfg, cfgErr := OAuthConfig(acct)
	if cfgErr != nil && !errors.Is(cfgErr, errNoClientSecret) {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret, Err: cfgErr}
	}

	tok, err := p.cache.Load(acct)
	if err != nil {
		// A corrupt cache entry is treated like a missing one.
		log.Warn("ignoring unreadable cached token", zap.Error(err))
		tok = nil
	}

	if tok != nil && tok.Valid() {
		if cfg == nil {
			log.Debug("using cached token without client secret; it will not be refreshed")
			return p.oauthHandle(ctx, acct, oauth2.StaticTokenSource(tok)), nil
		}
		return p.oauthHandle(ctx, acct, p.persisting(acct, cfg.TokenSource(ctx, tok), tok)), nil
	}

	if cfg == nil {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret, Err: cfgErr}
	}

	if tok != nil && tok.RefreshToken != "" {
		log.Debug("refreshing expired token")
		refreshed, err := cfg.TokenSource(ctx, tok).Token()
		if err != nil {
			return nil, &AuthError{Account: acct.Name, Reason: ReasonRefreshDenied, Err: err}
		}
		tok = refreshed
	} else {
		log.Info("no usable token, starting consent flow")
		tok, err = p.consent.Authorize(ctx, acct, cfg)
		if err != nil {
			return nil, &AuthError{Account: acct.Name, Reason: ReasonFlowCancelled, Err: err}
		}
	}

	if err := p.cache.Save(acct, tok); err != nil {
		log.Warn("failed to persist token", zap.Error(err))
	}
	return p.oauthHandle(ctx, acct, p.persisting(acct, cfg.TokenSource(ctx, tok), tok)), nil
}

func (p *Provider) oauthHandle(ctx context.Context, acct config.Account, ts oauth2.TokenSource) *Handle {
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = p.timeout
	return &Handle{Account: acct.Name, HTTPClient: client, TokenSource: ts}
}

func (p *Provider) brokerHandle(ctx context.Context, acct config.Account) (*Handle, error) {
	if p.broker == nil {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret,
			Err: errors.New("account uses a credentials broker but none is configured")}
	}
	provider, ok := brokerProviderFor(acct.Provider)
	if !ok {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret,
			Err: fmt.Errorf("broker does not serve %s accounts", acct.Provider)}
	}
	userJWT := os.Getenv(acct.BrokerJWTEnv)
	if userJWT == "" {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret,
			Err: fmt.Errorf("%s is not set", acct.BrokerJWTEnv)}
	}

	tok, err := p.broker.GetToken(ctx, userJWT, provider)
	if errors.Is(err, ErrNoAccountConnected) {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret, Err: err}
	}
	if err != nil {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonRefreshDenied, Err: err}
	}

	return p.oauthHandle(ctx, acct, p.broker.TokenSource(ctx, userJWT, provider, tok)), nil
}

func (p *Provider) imapHandle(acct config.Account) (*Handle, error) {
	password := ""
	if acct.IMAP.PasswordEnv != "" {
		password = os.Getenv(acct.IMAP.PasswordEnv)
	}
	if password == "" && p.ring != nil {
		item, err := p.ring.Get(acct.Name + ":password")
		if err == nil {
			password = string(item.Data)
		}
	}
	if password == "" {
		return nil, &AuthError{Account: acct.Name, Reason: ReasonMissingClientSecret,
			Err: errors.New("no IMAP password in environment or keyring")}
	}
	return &Handle{Account: acct.Name, Username: acct.IMAP.Username, Password: password}, nil
}

// persisting saves every newly minted token back to the cache.
func (p *Provider) persisting(acct config.Account, base oauth2.TokenSource, current *oauth2.Token) oauth2.TokenSource {
	return &persistingSource{
		base:  base,
		cache: p.cache,
		acct:  acct,
		last:  current.AccessToken,
		log:   p.log.With(zap.String("account", acct.Name)),
	}
}

type persistingSource struct {
	mu    sync.Mutex
	base  oauth2.TokenSource
	cache TokenCache
	acct  config.Account
	last  string
	log   *zap.Logger
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.cache.Save(s.acct, tok); err != nil {
			s.log.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	return tok, nil
}
