package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-harvester/internal/config"
)

// TokenCache persists one OAuth token per account. Load returns nil, nil
// when nothing is cached.
type TokenCache interface {
	Load(acct config.Account) (*oauth2.Token, error)
	Save(acct config.Account, tok *oauth2.Token) error
}

// TokenFile is the cached token's name inside an account's credentials dir.
const TokenFile = "token.json"

// FileCache keeps tokens as JSON next to the account's client secret.
type FileCache struct{}

func (FileCache) path(acct config.Account) string {
	return filepath.Join(acct.CredentialsDir, TokenFile)
}

func (c FileCache) Load(acct config.Account) (*oauth2.Token, error) {
	b, err := os.ReadFile(c.path(acct))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("parsing token %s: %w", c.path(acct), err)
	}
	return tok, nil
}

func (c FileCache) Save(acct config.Account, tok *oauth2.Token) error {
	if err := os.MkdirAll(acct.CredentialsDir, 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(c.path(acct), b, 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}

// KeyringCache keeps tokens in the system keyring.
type KeyringCache struct {
	Ring keyring.Keyring
}

func tokenKey(acct config.Account) string {
	return "token:" + acct.Name
}

func (c KeyringCache) Load(acct config.Account) (*oauth2.Token, error) {
	item, err := c.Ring.Get(tokenKey(acct))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", tokenKey(acct), err)
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(item.Data, tok); err != nil {
		return nil, fmt.Errorf("parsing token %q: %w", tokenKey(acct), err)
	}
	return tok, nil
}

func (c KeyringCache) Save(acct config.Account, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	err = c.Ring.Set(keyring.Item{
		Key:   tokenKey(acct),
		Data:  b,
		Label: "mail-harvester token for " + acct.Name,
	})
	if err != nil {
		return fmt.Errorf("setting token %q: %w", tokenKey(acct), err)
	}
	return nil
}

// KeyringOptions configures OpenKeyring.
type KeyringOptions struct {
	// Dir backs the encrypted-file fallback.
	Dir string
	// PasswordEnv names the env var holding the file backend password.
	PasswordEnv string
}

const keyringService = "mail-harvester"

// OpenKeyring returns the first available system keyring backend, falling
// back to an encrypted file store.
func OpenKeyring(opts KeyringOptions) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir: opts.Dir,
		FilePasswordFunc: func(prompt string) (string, error) {
			if pw := os.Getenv(opts.PasswordEnv); pw != "" {
				return pw, nil
			}
			return keyring.TerminalPrompt(prompt)
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}
