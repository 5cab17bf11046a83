package main

import (
	"fmt"
	"os"
	"path/filepath"

	"foliodeploy/internal/config"
	"foliodeploy/internal/security"
	"foliodeploy/pkg/fileutil"
	"foliodeploy/pkg/templates"

	"github.com/spf13/cobra"
)

var (
	initDir        string
	initAppID      string
	initAppSlug    string
	initKeyPath    string
	initPublicURL  string
	initDataDir    string
	initLogDir     string
	initSystemd    bool
	initUser       string
	initForce      bool
	initBinaryPath string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter foliodeploy.yaml with a freshly generated state secret and,
with --systemd, a matching systemd unit next to it.

Example:
  foliodeploy init --app-id 12345 --app-slug folio-deployer \
    --private-key /etc/foliodeploy/app.pem --public-url https://folio.example.com`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write the files into")
	initCmd.Flags().StringVar(&initAppID, "app-id", "", "GitHub App id")
	initCmd.Flags().StringVar(&initAppSlug, "app-slug", "", "GitHub App slug")
	initCmd.Flags().StringVar(&initKeyPath, "private-key", "", "Path to the GitHub App private key")
	initCmd.Flags().StringVar(&initPublicURL, "public-url", "", "Public base URL of this service")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/foliodeploy", "Directory for the state database")
	initCmd.Flags().StringVar(&initLogDir, "log-dir", "/var/log/foliodeploy", "Directory for the log file")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Also write foliodeploy.service")
	initCmd.Flags().StringVar(&initUser, "user", "folio", "User and group the service runs as")
	initCmd.Flags().StringVar(&initBinaryPath, "binary", "/usr/local/bin/foliodeploy", "Installed binary path for the systemd unit")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	for _, name := range []string{"app-id", "app-slug", "private-key", "public-url"} {
		_ = initCmd.MarkFlagRequired(name)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	secret, err := security.GenerateSecret()
	if err != nil {
		return err
	}

	rendered, err := templates.RenderConfig(initAppID, initAppSlug, initKeyPath, initPublicURL, secret, initDataDir, initLogDir)
	if err != nil {
		return err
	}

	configPath := filepath.Join(initDir, config.FileName)
	if err := writeNew(configPath, rendered, security.PermConfigFile); err != nil {
		return err
	}

	// Fail now rather than at the first serve.
	if _, err := config.LoadWithEnv(configPath, func(string) (string, bool) { return "", false }); err != nil {
		return fmt.Errorf("generated configuration is invalid, fix the flags and rerun with --force: %w", err)
	}
	fmt.Printf("Wrote %s\n", configPath)

	if initSystemd {
		absConfig, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		unit, err := templates.RenderSystemdService(initUser, initUser, initDataDir, initBinaryPath, absConfig, initDataDir, initLogDir)
		if err != nil {
			return err
		}
		unitPath := filepath.Join(initDir, "foliodeploy.service")
		if err := writeNew(unitPath, unit, 0644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", unitPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. chmod 600 %s\n", initKeyPath)
	fmt.Println("  2. foliodeploy check --config " + configPath)
	fmt.Println("  3. foliodeploy serve --config " + configPath)
	return nil
}

// writeNew writes content to path with perm, refusing to replace an
// existing file unless --force is set.
func writeNew(path, content string, perm os.FileMode) error {
	if fileutil.FileExists(path) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); !fileutil.DirExists(dir) {
		if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
			return err
		}
	}

	f, err := security.CreateSecureFile(path, perm)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
