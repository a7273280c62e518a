package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/backup"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <archive> [target-dir]",
	Short: "Restore an archive into a directory, with verification and rollback",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		archivePath := args[0]
		target := cfg.DataDir
		if len(args) == 2 {
			target = args[1]
		}

		opts := backup.RestoreOptions{
			VerifyChecksums:   true,
			RollbackOnFailure: true,
			SafetyBackup:      true,
		}
		opts.Passphrase, _ = cmd.Flags().GetString("passphrase")
		opts.ClearBeforeRestore, _ = cmd.Flags().GetBool("clear")
		opts.KeepSnapshot, _ = cmd.Flags().GetBool("keep-snapshot")
		if f, _ := cmd.Flags().GetBool("no-verify"); f {
			opts.VerifyChecksums = false
			opts.RollbackOnFailure = false
		}
		if f, _ := cmd.Flags().GetBool("no-safety"); f {
			opts.SafetyBackup = false
			opts.RollbackOnFailure = false
		}

		cmd.SilenceUsage = true
		result, err := backup.NewRestorer().Restore(cmd.Context(), archivePath, target, opts)
		if err != nil {
			return err
		}

		if result.FilesFailed > 0 {
			color.New(color.FgHiYellow, color.Bold).Println("Restore finished with caveats")
		} else {
			color.New(color.FgHiGreen, color.Bold).Println("Restore finished")
		}
		fmt.Printf("  %d files restored (%s), %d failed verification\n",
			result.FilesRestored, humanize.Bytes(uint64(result.BytesRestored)), result.FilesFailed)
		if result.SnapshotPath != "" {
			fmt.Printf("  safety snapshot kept at %s\n", result.SnapshotPath)
		}

		if keep := cfg.Backup.KeepSnapshots; keep > 0 {
			if err := backup.PruneSnapshots(filepath.Dir(target), keep); err != nil {
				slog.Warn("prune snapshots", "error", err)
			}
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().SortFlags = false
	restoreCmd.Flags().StringP("passphrase", "P", "", "passphrase for encrypted archives")
	restoreCmd.Flags().Bool("clear", false, "empty the target directory before extraction")
	restoreCmd.Flags().Bool("no-verify", false, "skip checksum verification of extracted files")
	restoreCmd.Flags().Bool("no-safety", false, "skip the pre-restore safety snapshot")
	restoreCmd.Flags().Bool("keep-snapshot", false, "retain the safety snapshot after success")
}
