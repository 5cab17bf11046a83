package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"foliodeploy/internal/auth"
	"foliodeploy/internal/platform"

	"github.com/spf13/cobra"
)

var checkInstallation int64

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and the application key",
	Long: `Load the configuration, read the application private key and sign a test
assertion. With --installation, also look the installation up on the
platform to prove the key is accepted.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Int64Var(&checkInstallation, "installation", 0, "Installation id to look up")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	fmt.Printf("Configuration OK (app %s, listen %s)\n", cfg.AppSlug, cfg.Addr())

	signer, err := auth.LoadSigner(strconv.FormatInt(cfg.AppID, 10), cfg.PrivateKeyPath)
	if err != nil {
		return err
	}
	if _, err := signer.AppAssertion(); err != nil {
		return err
	}
	fmt.Printf("Private key OK (%s)\n", cfg.PrivateKeyPath)

	if checkInstallation <= 0 {
		return nil
	}

	client, err := platform.New(platform.Options{
		BaseURL:    cfg.APIBaseURL,
		AppTokens:  signer.AppTokenSource(),
		HTTPClient: &http.Client{Timeout: cfg.Timeouts.Call},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	inst, err := client.GetInstallation(ctx, checkInstallation)
	if err != nil {
		return fmt.Errorf("installation lookup failed: %w", err)
	}
	fmt.Printf("Installation %d OK (account %s, repositories %s)\n", inst.ID, inst.AccountLogin, inst.RepositorySelection)
	return nil
}
