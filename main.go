package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/security"
)

var (
	configPath string
	userFlag   string
	tenantFlag string
	rolesFlag  []string
)

var rootCmd = &cobra.Command{
	Use:   "docrouter",
	Short: "Classify, route and search documents per tenant",
	Long: `docrouter classifies documents into data classes, extracts them with the
matching profile, builds a tenant-scoped entity graph and serves fused
keyword, vector and graph search behind an access policy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DOCROUTER_CONFIG"), "TOML or YAML config file")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id to act as (default: auth.dev_user_id)")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "tenant id to act in (default: auth.dev_tenant_id)")
	rootCmd.PersistentFlags().StringSliceVar(&rolesFlag, "roles", nil, "roles to act with (default: auth.dev_roles)")

	rootCmd.AddCommand(serveCmd, ingestCmd, searchCmd, graphCmd, classifyCmd, migrateCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// cliIdentity is the security context CLI commands run with: the configured
// development identity, overridden by --user, --tenant and --roles.
func cliIdentity(cfg config.Config) (security.SecurityContext, error) {
	sc := security.SecurityContext{
		UserID:    cfg.Auth.DevUserID,
		TenantID:  cfg.Auth.DevTenant,
		ProjectID: cfg.Auth.DevProject,
		Roles:     security.ParseRoles(cfg.Auth.DevRoles),
		Groups:    cfg.Auth.DevGroups,
	}
	if userFlag != "" {
		sc.UserID = userFlag
	}
	if tenantFlag != "" {
		sc.TenantID = tenantFlag
	}
	if len(rolesFlag) > 0 {
		sc.Roles = security.ParseRoles(rolesFlag)
	}
	if err := sc.Validate(); err != nil {
		return security.SecurityContext{}, fmt.Errorf("cli identity: %w", err)
	}
	return sc, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}
