package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/api"
	"github.com/Martian-dev/mail-harvester/internal/auth"
	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/decode"
	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/mailbox"
	natsjs "github.com/Martian-dev/mail-harvester/internal/nats"
	"github.com/Martian-dev/mail-harvester/internal/store"
	"github.com/Martian-dev/mail-harvester/internal/sync"
)

const usage = `Usage: harvester <command> [flags]

Commands:
  sync       fetch new notification emails (all accounts, or --account)
  stats      show message and response statistics
  inbox      list messages without a response
  show       print one message
  respond    draft a response to a message
  responses  list drafted responses, or mark one used
  auth       authorize accounts and cache their tokens
  serve      run the HTTP API
  dispatch   publish stored-message events to NATS

Run "harvester <command> --help" for command flags.
`

type command struct {
	run   func(ctx context.Context, app *app, fs *pflag.FlagSet) error
	flags func(fs *pflag.FlagSet)
}

var commands = map[string]command{
	"sync":      {run: runSync, flags: syncFlags},
	"stats":     {run: runStats},
	"inbox":     {run: runInbox, flags: inboxFlags},
	"show":      {run: runShow},
	"respond":   {run: runRespond, flags: respondFlags},
	"responses": {run: runResponses, flags: responsesFlags},
	"auth":      {run: runAuth, flags: authFlags},
	"serve":     {run: runServe},
	"dispatch":  {run: runDispatch, flags: dispatchFlags},
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.StringP("config", "c", "harvest.yaml", "configuration file")
	fs.String("data-dir", "data", "directory for the database and credentials")
	fs.String("db", "", "database path (default <data-dir>/harvest.db)")
	fs.String("log-level", "info", "log level")
	fs.String("addr", ":8080", "API listen address")
	fs.String("nats-url", "", "NATS server URL; empty disables events")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	_ = fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cmd, fs); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, cmd command, fs *pflag.FlagSet) error {
	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	opts := store.Options{
		Path:   cfg.Store.Path,
		Driver: cfg.Store.Driver,
		Logger: log,
	}
	if cfg.NATS.URL != "" {
		opts.Events = &store.EventOptions{SubjectPrefix: cfg.NATS.SubjectPrefix}
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer st.Close()

	a := &app{cfg: cfg, log: log, store: st, out: os.Stdout}
	return cmd.run(ctx, a, fs)
}

// app is the state shared by every command.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
	out   io.Writer
}

// accounts selects the configured accounts to work on; an empty name
// selects all of them.
func (a *app) accounts(name string) ([]config.Account, error) {
	if name == "" {
		if len(a.cfg.Accounts) == 0 {
			return nil, errors.New("no accounts configured")
		}
		return a.cfg.Accounts, nil
	}
	acct, ok := a.cfg.Account(name)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return []config.Account{acct}, nil
}

// credentials builds the credential provider. Interactive consent is only
// offered when both the configuration and the caller allow it.
func (a *app) credentials(interactive bool) (*auth.Provider, error) {
	opts := auth.ProviderOptions{
		Cache:          auth.FileCache{},
		Consent:        auth.NoConsent{},
		RequestTimeout: a.cfg.Sync.RequestTimeout,
		Logger:         a.log,
	}
	if interactive && a.cfg.Credentials.Interactive {
		opts.Consent = auth.TerminalConsent{In: os.Stdin, Out: os.Stderr}
	}
	if a.cfg.Credentials.BrokerURL != "" {
		opts.Broker = auth.NewBetterAuthClient(a.cfg.Credentials.BrokerURL)
	}

	if a.needsKeyring() {
		ring, err := auth.OpenKeyring(auth.KeyringOptions{
			Dir:         a.cfg.Credentials.KeyringDir,
			PasswordEnv: a.cfg.Credentials.KeyringPasswordEnv,
		})
		if err != nil {
			return nil, fmt.Errorf("opening keyring: %w", err)
		}
		opts.Keyring = ring
		if a.cfg.Credentials.Cache == "keyring" {
			opts.Cache = auth.KeyringCache{Ring: ring}
		}
	}
	return auth.NewProvider(opts), nil
}

func (a *app) needsKeyring() bool {
	if a.cfg.Credentials.Cache == "keyring" {
		return true
	}
	for _, acct := range a.cfg.Accounts {
		if acct.Provider == config.ProviderIMAP && os.Getenv(acct.IMAP.PasswordEnv) == "" {
			return true
		}
	}
	return false
}

// manager builds the sync orchestrator.
func (a *app) manager(creds *auth.Provider) *sync.Manager {
	client := mailbox.Options{
		RequestInterval: a.cfg.Sync.RequestInterval,
		RequestTimeout:  a.cfg.Sync.RequestTimeout,
		MaxAttempts:     a.cfg.Sync.MaxAttempts,
		InitialBackoff:  a.cfg.Sync.InitialBackoff,
		PageSize:        a.cfg.Sync.PageSize,
		Logger:          a.log,
	}
	if a.cfg.Sync.SharedRateLimit {
		client.Limiter = mailbox.NewLimiter(a.cfg.Sync.RequestInterval)
	}
	decoder := decode.New()
	decoder.Logger = a.log

	return sync.NewManager(sync.ManagerOptions{
		Runner: &sync.Runner{
			Auth:      creds,
			Backends:  sync.NewBackend,
			Store:     a.store,
			Decoder:   decoder,
			Client:    client,
			BatchSize: a.cfg.Sync.BatchSize,
			Logger:    a.log,
		},
		Store:    a.store,
		Parallel: a.cfg.Sync.ParallelAccounts,
		Logger:   a.log,
	})
}

// verifier picks the API token check: JWKS first, then a shared secret.
func (a *app) verifier(ctx context.Context) (api.Verifier, error) {
	switch {
	case a.cfg.API.JWKSURL != "":
		v, err := api.NewJWKSVerifier(ctx, a.cfg.API.JWKSURL)
		if err != nil {
			return nil, err
		}
		return v, nil
	case a.cfg.API.JWTSecret != "":
		return api.HMACVerifier{Secret: []byte(a.cfg.API.JWTSecret)}, nil
	default:
		a.log.Warn("no api.jwks_url or api.jwt_secret configured, API is unauthenticated")
		return nil, nil
	}
}

// publisher connects to NATS and makes sure the events stream exists.
func (a *app) publisher(ctx context.Context) (*natsjs.Publisher, error) {
	if a.cfg.NATS.URL == "" {
		return nil, errors.New("nats.url is not configured")
	}
	pub, err := natsjs.NewPublisher(a.cfg.NATS.URL, natsjs.StreamConfig{
		Name:          a.cfg.NATS.Stream,
		SubjectPrefix: a.cfg.NATS.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}
	if err := pub.EnsureStream(ctx); err != nil {
		pub.Close()
		return nil, err
	}
	return pub, nil
}
