package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"wxgate/internal/config"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wxgate",
		Short: "wxgate: webhook gateway for official accounts",
		Long: `wxgate verifies and decrypts platform callbacks, routes events to reply
rules, and keeps access tokens fresh for every configured account.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wxgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(signCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(pushCmd())
	root.AddCommand(deliveriesCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			fmt.Println("Next: run 'wxgate wizard' to add an account, then 'wxgate serve'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port or accounts.0.appId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.port 9000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadRaw(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "secret [name]",
		Short: "Store a secret in the OS keyring and print its config reference",
		Long: `Reads the secret from stdin and stores it under the wxgate keyring service.
Use the printed keyring:<name> reference in place of the secret in config.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Secret: ")
			var value string
			if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			ref, err := config.StoreSecret(args[0], strings.TrimSpace(value))
			if err != nil {
				return err
			}
			fmt.Println(ref)
			return nil
		},
	})

	return cmd
}

// loadRaw reads the config without resolving keyring references, so that a
// later Save keeps them as written.
func loadRaw(path string) (*config.Config, error) {
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return nil, err
	}
	cfg := config.Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
