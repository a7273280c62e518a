package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := sync.DefaultOptions()
		opts.Mode = sync.Mode(strings.ToUpper(cfg.Sync.Mode))
		opts.ConflictPolicy = sync.ConflictPolicy(strings.ToUpper(cfg.Sync.ConflictPolicy))
		opts.AllowDeletions = cfg.Sync.AllowDeletions
		opts.VerifyChecksums = cfg.Sync.VerifyChecksums
		opts.UseCache = cfg.Sync.UseCache
		opts.MaxItems = cfg.Sync.MaxItems

		if f, _ := cmd.Flags().GetString("mode"); f != "" {
			opts.Mode = sync.Mode(strings.ToUpper(f))
		}
		if f, _ := cmd.Flags().GetString("policy"); f != "" {
			opts.ConflictPolicy = sync.ConflictPolicy(strings.ToUpper(f))
		}
		if f, _ := cmd.Flags().GetString("subdir"); f != "" {
			opts.SubdirFilter = f
		}
		if f, _ := cmd.Flags().GetBool("allow-deletions"); f {
			opts.AllowDeletions = true
		}
		if f, _ := cmd.Flags().GetBool("verify"); f {
			opts.VerifyChecksums = true
		}
		if f, _ := cmd.Flags().GetBool("no-cache"); f {
			opts.UseCache = false
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		if opts.Include, err = app.includePredicate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		result, err := app.engine.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		printSyncResult(result)
		return nil
	},
}

func init() {
	syncCmd.Flags().SortFlags = false
	syncCmd.Flags().StringP("mode", "m", "", "sync mode (UPLOAD_ONLY, DOWNLOAD_ONLY, BIDIRECTIONAL, MIRROR_TO_REMOTE, MIRROR_FROM_REMOTE)")
	syncCmd.Flags().StringP("policy", "p", "", "conflict policy (LOCAL_WINS, REMOTE_WINS, NEWER_WINS, KEEP_BOTH, SKIP)")
	syncCmd.Flags().String("subdir", "", "limit the run to one subdirectory")
	syncCmd.Flags().Bool("allow-deletions", false, "let mirror modes delete files")
	syncCmd.Flags().Bool("verify", false, "re-hash downloads against the remote digest")
	syncCmd.Flags().Bool("no-cache", false, "bypass the local hash cache")
}

func printSyncResult(result *sync.Result) {
	headline := color.New(color.FgHiGreen, color.Bold)
	switch result.Status {
	case sync.StatusPartialSuccess:
		headline = color.New(color.FgHiYellow, color.Bold)
	case sync.StatusFailed, sync.StatusCancelled:
		headline = color.New(color.FgHiRed, color.Bold)
	case sync.StatusPaused:
		headline = color.New(color.FgHiCyan, color.Bold)
	}

	headline.Printf("Sync %s in %s\n", strings.ToLower(result.Status.String()), result.Duration.Round(time.Millisecond))
	fmt.Printf("  %d uploaded, %d downloaded, %d deleted, %d skipped, %d resumed (%s)\n",
		result.FilesUploaded, result.FilesDownloaded, result.FilesDeleted,
		result.FilesSkipped, result.FilesResumed,
		humanize.Bytes(uint64(result.BytesTransferred)))

	if len(result.Errors) > 0 {
		color.New(color.FgHiRed).Printf("  %d files failed:\n", len(result.Errors))
		for _, fe := range result.Errors {
			fmt.Printf("    %s: %v\n", fe.Path, fe.Err)
		}
	}
}
