package main

import (
	"fmt"

	"foliodeploy/internal/content"
	"foliodeploy/pkg/fileutil"

	"github.com/spf13/cobra"
)

var fingerprintTheme string

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint SITE_DIR",
	Short: "Print the bundle fingerprint of a rendered site",
	Long: `Package a rendered site directory the way the server does and print its
fingerprint. Two directories with the same files and theme produce the same
fingerprint, so a redeploy of either is skipped.

Example:
  foliodeploy fingerprint ./public --theme minimal`,
	Args: cobra.ExactArgs(1),
	RunE: runFingerprint,
}

func init() {
	fingerprintCmd.Flags().StringVarP(&fingerprintTheme, "theme", "t", "", "Theme id the site was rendered with")
	_ = fingerprintCmd.MarkFlagRequired("theme")
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	dir := args[0]
	if !fileutil.DirExists(dir) {
		return fmt.Errorf("site directory %s does not exist", dir)
	}

	bundle, err := content.LoadDir(dir, fingerprintTheme)
	if err != nil {
		return err
	}

	fmt.Println(bundle.Fingerprint)
	fmt.Printf("  %d files, %d bytes, theme %s\n", len(bundle.Files), bundle.Size(), bundle.ThemeID)
	return nil
}
