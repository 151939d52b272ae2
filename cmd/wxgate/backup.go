package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxgate/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the SQLite credential store and config",
		Long: `Creates a compressed .tar.gz archive containing the SQLite store (with its
WAL files) and the configuration file. Other store types are backed up by
their own tooling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := resolveDBPath(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wxgate-backup-%s.tar.gz", ts))
			}

			var files []string
			if _, err := os.Stat(dbPath); err == nil {
				files = append(files, dbPath)
				for _, suffix := range []string{"-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						files = append(files, dbPath+suffix)
					}
				}
			}
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.wxgate/backups/wxgate-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore the SQLite store and config from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := resolveDBPath(cfgPath)

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", p)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// resolveDBPath returns the SQLite store path from the config file, falling
// back to wxgate.db next to it.
func resolveDBPath(cfgPath string) string {
	if cfg, err := loadRaw(cfgPath); err == nil && cfg.Store.Path != "" {
		return config.ExpandPath(config.ExpandEnvVars(cfg.Store.Path))
	}
	return filepath.Join(filepath.Dir(cfgPath), "wxgate.db")
}

func createTarGz(outputPath string, files []string) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, f := range files {
		if err := addFileToTar(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz restores the config and database files of an archive. Other
// entries are ignored.
func extractTarGz(archivePath, dbPath, cfgPath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var target string
		base := filepath.Base(header.Name)
		switch {
		case strings.HasSuffix(base, ".json"):
			target = cfgPath
		case strings.HasSuffix(base, "-wal"):
			target = dbPath + "-wal"
		case strings.HasSuffix(base, "-shm"):
			target = dbPath + "-shm"
		case strings.HasSuffix(base, ".db"):
			target = dbPath
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		out.Close()
		restored = append(restored, target)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
