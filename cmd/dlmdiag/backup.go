package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dlmdiag/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the ledger database and config file",
		Long: `Creates a compressed .tar.gz archive containing the SQLite ledger database
and configuration file. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath, err := resolveDBPath(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("dlmdiag-backup-%s.tar.gz", ts))
			}

			members := backupMembers(dbPath, cfgPath)
			if len(members) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}
			if err := writeArchive(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(members))
			for _, m := range members {
				fmt.Printf("  - %s <- %s (%s)\n", m.Name, m.Path, humanize.IBytes(uint64(m.Size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.dlmdiag/backups/dlmdiag-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the ledger database and config from a backup archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: dlmdiag restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			dbPath, err := resolveDBPath(cfgPath)
			if err != nil {
				return err
			}

			if !force {
				existing := false
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractArchive(inputPath, dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// resolveDBPath reads the ledger path from the config, or its default.
func resolveDBPath(cfgPath string) (string, error) {
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return "", err
	}
	return cfg.Ledger.DBPath, nil
}

// archiveMember is one file in a backup: its fixed name inside the archive
// and where it lives on disk.
type archiveMember struct {
	Name string
	Path string
	Size int64
}

// backupMembers lists the ledger database with its WAL side files, then the
// config file. Files that do not exist are skipped.
func backupMembers(dbPath, cfgPath string) []archiveMember {
	var members []archiveMember
	add := func(name, path string) {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			members = append(members, archiveMember{Name: name, Path: path, Size: info.Size()})
		}
	}
	for _, suffix := range walSuffixes {
		add("ledger.db"+suffix, dbPath+suffix)
	}
	add("config"+filepath.Ext(cfgPath), cfgPath)
	return members
}

var walSuffixes = []string{"", "-wal", "-shm"}

// restoreTarget maps an archive entry to its destination. Entries written by
// older backups under the database's own base name are accepted too.
func restoreTarget(name, dbPath, cfgPath string) (string, bool) {
	base := path.Base(name)
	for _, suffix := range walSuffixes {
		if strings.HasSuffix(base, ".db"+suffix) {
			return dbPath + suffix, true
		}
	}
	if strings.HasPrefix(base, "config.") {
		return cfgPath, true
	}
	return "", false
}

// writeArchive builds the tar.gz next to outputPath and renames it into place,
// so a failed backup never leaves a truncated archive behind.
func writeArchive(outputPath string, members []archiveMember) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".backup-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		if err := addMember(tw, m); err != nil {
			return fmt.Errorf("add %s: %w", m.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outputPath)
}

func addMember(tw *tar.Writer, m archiveMember) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    m.Name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive restores the database and config entries to dbPath and
// cfgPath and returns the paths written. A restored database drops any WAL
// files the archive did not carry, so SQLite never replays a stale log.
func extractArchive(archivePath, dbPath, cfgPath string) ([]string, error) {
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

	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, ok := restoreTarget(hdr.Name, dbPath, cfgPath)
		if !ok {
			continue
		}
		if err := writeFileAtomic(target, tr); err != nil {
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		restored = append(restored, target)
	}

	if slices.Contains(restored, dbPath) {
		for _, suffix := range walSuffixes[1:] {
			if side := dbPath + suffix; !slices.Contains(restored, side) {
				if err := os.Remove(side); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("remove stale %s: %w", side, err)
				}
			}
		}
	}
	return restored, nil
}

func writeFileAtomic(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}
