package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wxgate/internal/config"
	"wxgate/internal/envelope"
	"wxgate/internal/rules"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxgate installation",
		Long: `Verifies that the configuration, encoding keys, credential store, rules
and listen port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("wxgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wxgate init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if len(cfg.Accounts) == 0 {
				printWarn("Accounts", "none configured (run 'wxgate wizard')")
				warned++
			}
			for _, a := range cfg.Accounts {
				name := "Account: " + a.AppID
				switch {
				case a.Component:
					printPass(name, "hosted by component "+cfg.Component.AppID)
					passed++
				case a.EncodingAESKey != "":
					if _, err := envelope.DecodeKey(a.EncodingAESKey); err != nil {
						printFail(name, err.Error())
						failed++
					} else {
						printPass(name, "token and encoding key set")
						passed++
					}
				case a.Secret == "":
					printWarn(name, "no secret, outbound API calls will fail")
					warned++
				default:
					printPass(name, "plain mode")
					passed++
				}
			}
			if cfg.Component.Enabled {
				if _, err := envelope.DecodeKey(cfg.Component.EncodingAESKey); err != nil {
					printFail("Component", err.Error())
					failed++
				} else {
					printPass("Component", cfg.Component.AppID)
					passed++
				}
			}

			if err := checkStore(cfg); err != nil {
				printFail("Store ("+cfg.Store.Type+")", err.Error())
				failed++
			} else {
				printPass("Store ("+cfg.Store.Type+")", "reachable")
				passed++
			}

			if cfg.Rules.Path != "" {
				rs, err := rules.Load(cfg.Rules.Path, logger)
				if err != nil {
					printFail("Rules", err.Error())
					failed++
				} else {
					printPass("Rules", fmt.Sprintf("%d rule(s) from %s", len(rs), cfg.Rules.Path))
					passed++
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o700); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wxgate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwxgate should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wxgate is ready to run.\n")
			}
			return nil
		},
	}
}

func checkStore(cfg *config.Config) error {
	if cfg.Store.Type == "" || cfg.Store.Type == "sqlite" {
		return checkDatabase(cfg.Store.Path)
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	p, ok := st.(pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Ping(ctx)
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
