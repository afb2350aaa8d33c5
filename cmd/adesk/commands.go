package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"activationdesk/internal/app"
	"activationdesk/internal/config"
	"activationdesk/internal/domain"
	"activationdesk/internal/repo"
	"activationdesk/internal/server"
	"activationdesk/internal/wizard"
)

var errRunFailed = errors.New("run failed")

func activateCmd() *cobra.Command {
	var dealID string
	var groupIDs []string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Deliver one code per group to a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Activate(ctx, domain.SelectionRequest{
					DealID:   dealID,
					GroupIDs: groupIDs,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(out); err != nil {
						return err
					}
				} else {
					printOutcome(out)
				}
				if !out.Success {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "CRM deal id")
	cmd.Flags().StringSliceVarP(&groupIDs, "group", "g", nil, "board group id (repeatable)")
	_ = cmd.MarkFlagRequired("deal")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func printOutcome(out domain.RunOutcome) {
	fmt.Println(out.Message)
	if len(out.Items) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Product", "Code", "Status", "Owner"})
	for _, it := range out.Items {
		status, owner := itemCells(it)
		tw.AppendRow(table.Row{it.ItemID, it.DisplayName, it.Code, status, owner})
	}
	tw.Render()
}

// itemCells renders the status and owner columns of one delivered item.
// Assignment only follows a successful status update.
func itemCells(it domain.ItemResult) (status, owner string) {
	if !it.StatusUpdated {
		return "failed: " + it.StatusError, "not attempted"
	}
	switch {
	case it.AssignSkipped:
		return "updated", "skipped"
	case !it.OwnerAssigned:
		return "updated", "failed: " + it.AssignError
	}
	return "updated", "assigned"
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List board groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				groups, err := a.Engine.Groups(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Product"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.ID, g.Title, g.DisplayName})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ownerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner <deal-id>",
		Short: "Show the owner of a deal and its board user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dealID, err := domain.ParseDealID(args[0])
				if err != nil {
					return err
				}
				email, err := a.CRM.OwnerEmail(ctx, dealID)
				if err != nil {
					return err
				}
				userID, mapped := a.Config.Assignees.Lookup(email)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deal_id": dealID, "owner_email": email, "board_user_id": userID, "mapped": mapped})
				}
				if !mapped {
					fmt.Printf("deal %s: owner %s (no board user mapping)\n", dealID, email)
					return nil
				}
				fmt.Printf("deal %s: owner %s -> board user %d\n", dealID, email, userID)
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	var dealID string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, repo.RunFilters{DealID: dealID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Deal", "Actor", "Started", "Result", "Phase"})
				for _, run := range runs {
					result := "running"
					if run.Success != nil {
						result = "failed"
						if *run.Success {
							result = "ok"
						}
					}
					tw.AppendRow(table.Row{run.ID, run.DealID, run.ActorID, run.StartedAt, result, run.Phase})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "deal id filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Run journal",
		Long:  "Every run and its phases, as recorded in .adesk/journal.db.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var events []domain.Event
				var err error
				if runID != "" {
					events, err = r.RunEvents(ctx, runID)
				} else {
					events, err = r.LatestEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, ev := range events {
					fmt.Printf("%s  %s  %-22s %s\n", ev.TS, ev.RunID, ev.Type, ev.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "show all events of one run")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sessionTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ADESK_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Flow:     wizard.Flow{Store: wizard.NewStore(sessionTTL), Runner: a.Engine},
					Journal:  a.Journal,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving activation desk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", wizard.DefaultTTL, "idle wizard session lifetime")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator id (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in adesk.yml: board and CRM endpoints, column ids, labels, the assignee table and the product catalog. Secrets come from .env or the environment.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configDoctorCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			red := cfg.Redacted()
			if viper.GetBool("json") {
				return printJSON(red)
			}
			out, err := yaml.Marshal(red)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate adesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.FromFile(config.Path(viper.GetString("workspace")))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default adesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check labels and assignees against the live board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				checks := a.Doctor(ctx)
				failed := 0
				for _, c := range checks {
					if !c.OK {
						failed++
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(checks); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Check", "OK", "Detail"})
					for _, c := range checks {
						tw.AppendRow(table.Row{c.Name, c.OK, c.Detail})
					}
					tw.Render()
				}
				if failed > 0 {
					return fmt.Errorf("%d check(s) failed", failed)
				}
				return nil
			})
		},
	}
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage workspace secrets in .env",
	}
	cmd.AddCommand(secretSetCmd())
	return cmd
}

func secretSetCmd() *cobra.Command {
	var boardKey, crmKey, jwtSecret string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store API keys in the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := map[string]string{
				"ADESK_BOARD_API_KEY": boardKey,
				"ADESK_CRM_API_KEY":   crmKey,
				"ADESK_JWT_SECRET":    jwtSecret,
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			n, err := setEnvValues(path, updates)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("nothing to set: pass --board-key, --crm-key or --jwt-secret")
			}
			fmt.Printf("updated %d key(s) in %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardKey, "board-key", "", "board API key")
	cmd.Flags().StringVar(&crmKey, "crm-key", "", "CRM API key")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HTTP API signing secret")
	return cmd
}

// setEnvValues merges the non-empty updates into the dotenv file at path.
func setEnvValues(path string, updates map[string]string) (int, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		env = map[string]string{}
	}
	n := 0
	for k, v := range updates {
		if v == "" {
			continue
		}
		env[k] = v
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := godotenv.Write(env, path); err != nil {
		return 0, err
	}
	return n, os.Chmod(path, 0o600)
}
