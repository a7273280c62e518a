package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/internal/utils"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if utils.FileExists(path) {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("config %q already exists (use --force to overwrite)", path)
			}
		}

		cfg := config.Default()
		if f, _ := cmd.Flags().GetString("data-dir"); f != "" {
			cfg.DataDir = f
		}
		if f, _ := cmd.Flags().GetString("root-label"); f != "" {
			cfg.RootLabel = f
		}
		cfg.S3.Bucket, _ = cmd.Flags().GetString("bucket")
		cfg.S3.Region, _ = cmd.Flags().GetString("region")
		cfg.S3.Endpoint, _ = cmd.Flags().GetString("endpoint")
		cfg.S3.AccessKey, _ = cmd.Flags().GetString("access-key")
		cfg.S3.SecretKey, _ = cmd.Flags().GetString("secret-key")

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := utils.EnsureDir(cfg.DataDir); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return err
		}

		color.New(color.FgHiGreen).Printf("Config written to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().SortFlags = false
	initCmd.Flags().StringP("data-dir", "d", "", "local directory to synchronize")
	initCmd.Flags().String("root-label", "", "remote namespace for this tree")
	initCmd.Flags().String("bucket", "", "S3 bucket name")
	initCmd.Flags().String("region", "", "S3 region")
	initCmd.Flags().String("endpoint", "", "custom S3 endpoint")
	initCmd.Flags().String("access-key", "", "S3 access key")
	initCmd.Flags().String("secret-key", "", "S3 secret key")
	initCmd.Flags().Bool("force", false, "overwrite an existing config")
}
