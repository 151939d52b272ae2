package config

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service secrets are stored under.
const KeyringService = "wxgate"

// keyringPrefix marks a config value that lives in the OS keyring.
const keyringPrefix = "keyring:"

// IsKeyringRef reports whether v is a keyring reference.
func IsKeyringRef(v string) bool {
	return strings.HasPrefix(v, keyringPrefix)
}

// StoreSecret saves value in the OS keyring and returns the reference to
// write into the config file.
func StoreSecret(name, value string) (string, error) {
	if err := keyring.Set(KeyringService, name, value); err != nil {
		return "", fmt.Errorf("store secret %s in keyring: %w", name, err)
	}
	return keyringPrefix + name, nil
}

func resolveSecret(field string, v *string) error {
	if !IsKeyringRef(*v) {
		return nil
	}
	name := strings.TrimPrefix(*v, keyringPrefix)
	val, err := keyring.Get(KeyringService, name)
	if err != nil {
		return fmt.Errorf("%s: read %q from keyring: %w", field, name, err)
	}
	*v = val
	return nil
}

// ResolveSecrets replaces every keyring reference in cfg with the stored
// secret.
func ResolveSecrets(cfg *Config) error {
	var errs []string
	resolve := func(field string, v *string) {
		if err := resolveSecret(field, v); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		prefix := fmt.Sprintf("accounts.%d.", i)
		resolve(prefix+"secret", &a.Secret)
		resolve(prefix+"token", &a.Token)
		resolve(prefix+"encodingAesKey", &a.EncodingAESKey)
		resolve(prefix+"refreshToken", &a.RefreshToken)
	}
	resolve("component.secret", &cfg.Component.Secret)
	resolve("component.token", &cfg.Component.Token)
	resolve("component.encodingAesKey", &cfg.Component.EncodingAESKey)
	resolve("store.dsn", &cfg.Store.DSN)
	resolve("store.redis.password", &cfg.Store.Redis.Password)

	if len(errs) > 0 {
		return fmt.Errorf("cannot resolve secrets:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
