package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"

func validConfig() *Config {
	cfg := Defaults()
	cfg.Accounts = []AccountConfig{
		{AppID: "wx1", Secret: "secret-one-12345", Token: "tok1"},
		{AppID: "wx2", Secret: "secret-two-12345", Token: "tok2", EncodingAESKey: testAESKey, Encrypted: true},
	}
	return cfg
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port 0")
	}
	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_BasePath(t *testing.T) {
	for _, p := range []string{"", "wx", "/wx/"} {
		cfg := validConfig()
		cfg.Server.BasePath = p
		if err := Validate(cfg); err == nil {
			t.Errorf("basePath %q should be rejected", p)
		}
	}
	cfg := validConfig()
	cfg.Server.BasePath = "/"
	if err := Validate(cfg); err != nil {
		t.Errorf("basePath / should be valid: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_DuplicateAccount(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts = append(cfg.Accounts, AccountConfig{AppID: "wx1", Token: "t"})
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate appId wx1") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidate_EncryptedAccountNeedsValidKey(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[1].EncodingAESKey = "too-short"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "accounts.1: encodingAesKey") {
		t.Fatalf("expected key error, got %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = -1
	cfg.Store.Type = "mongo"
	cfg.Accounts[0].Token = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if n := strings.Count(err.Error(), "\n  - "); n != 3 {
		t.Errorf("expected 3 aggregated errors, got %d: %v", n, err)
	}
}

func TestValidate_ComponentAccount(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts = append(cfg.Accounts, AccountConfig{AppID: "wx3", Component: true, RefreshToken: "r"})
	if err := Validate(cfg); err == nil {
		t.Fatal("component account without component app should fail")
	}

	cfg.Component = ComponentConfig{Enabled: true, AppID: "wxc", Secret: "s", Token: "t", EncodingAESKey: testAESKey}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid component setup, got %v", err)
	}

	cfg.Accounts[2].RefreshToken = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("component account needs a refresh token")
	}
}

func TestValidate_WarmupCron(t *testing.T) {
	cfg := validConfig()
	cfg.Tokens.WarmupCron = "*/10 * * * *"
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	cfg.Tokens.WarmupCron = "every ten minutes"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}

func TestValidate_StoreBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Type = "postgres"
	if err := Validate(cfg); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
	cfg.Store.DSN = "postgres://localhost/wx"
	if err := Validate(cfg); err != nil {
		t.Fatalf("postgres with dsn should pass: %v", err)
	}
	cfg.Store = StoreConfig{Type: "redis"}
	if err := Validate(cfg); err == nil {
		t.Fatal("redis without addr should fail")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := validConfig()
	cfg.Store.Path = filepath.Join(dir, "wx.db")

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Accounts) != 2 || loaded.Accounts[1].EncodingAESKey != testAESKey {
		t.Errorf("accounts not round-tripped: %+v", loaded.Accounts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"server": {"port": 0}}`), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("WXGATE_TEST_TOKEN", "env-token")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"store": {"type": "memory"},
		"server": {"port": ${WXGATE_TEST_PORT:-9000}},
		"accounts": [{"appId": "wx1", "token": "${WXGATE_TEST_TOKEN}"}]
	}`
	os.WriteFile(path, []byte(content), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Accounts[0].Token != "env-token" {
		t.Errorf("expected env token, got %q", cfg.Accounts[0].Token)
	}
}

func TestLoad_ResolvesKeyringSecrets(t *testing.T) {
	keyring.MockInit()
	ref, err := StoreSecret("wx1-token", "from-keyring")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "keyring:wx1-token" {
		t.Fatalf("unexpected reference %q", ref)
	}

	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"store": {"type": "memory"}, "accounts": [{"appId": "wx1", "token": "keyring:wx1-token"}]}`), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Accounts[0].Token != "from-keyring" {
		t.Errorf("expected resolved token, got %q", cfg.Accounts[0].Token)
	}
}

func TestLoad_MissingKeyringSecret(t *testing.T) {
	keyring.MockInit()
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"store": {"type": "memory"}, "accounts": [{"appId": "wx1", "token": "keyring:absent"}]}`), 0o600)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "accounts.0.token") {
		t.Fatalf("expected keyring error naming the field, got %v", err)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("WX_SECRET", "abc123")
	if got := ExpandEnvVars(`"${WX_SECRET}"`); got != `"abc123"` {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	if got := ExpandEnvVars("${WX_UNSET_FOR_TEST:-fallback}"); got != "fallback" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("WX_EMPTY", "")
	if got := ExpandEnvVars("${WX_EMPTY:-d}"); got != "d" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	if got := ExpandEnvVars("${WX_UNSET_FOR_TEST}"); got != "${WX_UNSET_FOR_TEST}" {
		t.Fatalf("got %s", got)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	if got := ExpandEnvVars("$HOME is kept"); got != "$HOME is kept" {
		t.Fatalf("got %s", got)
	}
}
