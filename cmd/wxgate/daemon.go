package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"wxgate/internal/config"

	"github.com/spf13/cobra"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'wxgate serve' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wxgate user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	}
}

const (
	launchdLabel = "com.wxgate.serve"
	systemdUnit  = "wxgate.service"
)

func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func renderService(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{{"+k+"}}", v)
	}
	return tmpl
}

func installLaunchd(execPath, cfgPath string) error {
	plistPath, err := servicePath()
	if err != nil {
		return err
	}
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}
	plist := renderService(launchdTemplate, map[string]string{
		"EXEC":    execPath,
		"CONFIG":  cfgPath,
		"LABEL":   launchdLabel,
		"LOG":     filepath.Join(logDir, "wxgate.log"),
		"ERR_LOG": filepath.Join(logDir, "wxgate-error.log"),
	})
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func installSystemd(execPath, cfgPath string) error {
	unitPath, err := servicePath()
	if err != nil {
		return err
	}
	unit := renderService(systemdTemplate, map[string]string{"EXEC": execPath, "CONFIG": cfgPath})
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start wxgate\n")
	fmt.Printf("To enable: systemctl --user enable wxgate\n")
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=wxgate webhook gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
