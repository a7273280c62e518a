package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup [source-dir]",
	Short: "Archive a directory into a single (optionally encrypted) artifact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		source := cfg.DataDir
		if len(args) == 1 {
			source = args[0]
		}

		opts := backup.Options{
			Checksums:  cfg.Backup.Checksums,
			Encryption: backup.EncryptionType(cfg.Backup.Encryption),
			OutputDir:  cfg.Backup.OutputDir,
		}
		if f, _ := cmd.Flags().GetString("encrypt"); f != "" {
			opts.Encryption = backup.EncryptionType(f)
		}
		if f, _ := cmd.Flags().GetString("passphrase"); f != "" {
			opts.Passphrase = f
		}
		if f, _ := cmd.Flags().GetString("output"); f != "" {
			opts.OutputDir = f
		}
		if f, _ := cmd.Flags().GetString("name"); f != "" {
			opts.Name = f
		}
		if f, _ := cmd.Flags().GetBool("no-checksums"); f {
			opts.Checksums = false
		}

		if opts.Include, err = loadPredicate(cfg); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		artifact, err := backup.NewBuilder().Create(cmd.Context(), source, opts)
		if err != nil {
			return err
		}

		color.New(color.FgHiGreen, color.Bold).Println("Backup created")
		fmt.Printf("  %s\n  %d files, %s, sha256 %s\n",
			artifact.Path,
			artifact.Manifest.FileCount,
			humanize.Bytes(uint64(artifact.Manifest.TotalSize)),
			artifact.Checksum)
		return nil
	},
}

func init() {
	backupCmd.Flags().SortFlags = false
	backupCmd.Flags().StringP("output", "o", "", "directory receiving the artifact")
	backupCmd.Flags().StringP("encrypt", "e", "", "encryption: none, passphrase or device")
	backupCmd.Flags().StringP("passphrase", "P", "", "passphrase for passphrase encryption")
	backupCmd.Flags().String("name", "", "artifact basename (default timestamp-derived)")
	backupCmd.Flags().Bool("no-checksums", false, "skip per-file digests in the manifest")
}
