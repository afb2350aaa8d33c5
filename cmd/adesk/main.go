package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"activationdesk/internal/app"
	"activationdesk/internal/config"
	"activationdesk/internal/logging"
	"activationdesk/internal/repo"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "adesk",
	Short: "Activation desk CLI",
	Long: `adesk delivers license activation codes to CRM deals.
- Board: the code inventory, one group per product line; each item is one code.
- Deal: the CRM deal that receives a note listing the delivered codes.
- Run: one delivery. It resolves the deal owner, picks an unused code per selected
  group, writes and tags the note, then marks the codes as sent and assigns them
  to the owner's board user.
- Journal: .adesk/journal.db keeps every run and its phases (adesk log tail).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		envPath := filepath.Join(workspace, ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		level := viper.GetString("log-level")
		if viper.GetBool("verbose") {
			level = "debug"
		}
		l, err := logging.New(logging.Options{
			Level:  level,
			Format: viper.GetString("log-format"),
			File:   viper.GetString("log-file"),
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// The plain vendor names are still honored for existing setups.
	_ = viper.BindEnv("board-api-key", "ADESK_BOARD_API_KEY", "MONDAY_API_KEY")
	_ = viper.BindEnv("crm-api-key", "ADESK_CRM_API_KEY", "ZENDESK_API_KEY")
	_ = viper.BindEnv("jwt-secret", "ADESK_JWT_SECRET")
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-operator", "operator recorded in the journal")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console or json)")
	pf.String("log-file", "", "also write logs to this rotating file")
	for _, name := range []string{"workspace", "json", "actor-id", "verbose", "log-level", "log-format", "log-file"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(groupsCmd())
	rootCmd.AddCommand(ownerCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(secretCmd())
}

// loadConfig reads the workspace config and applies secrets from the
// environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	cfg.ApplySecrets(viper.GetString("board-api-key"), viper.GetString("crm-api-key"))
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withJournal(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenJournal(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.New(conn))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
