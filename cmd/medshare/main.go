package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"medshare/internal/app"
	"medshare/internal/config"
	"medshare/internal/db"
	"medshare/internal/domain"
	"medshare/internal/logging"
	"medshare/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "medshare",
	Short: "MedShare medication donation service",
	Long: `MedShare matches donated medications with NGOs and individuals who need them.
- Medications: donor listings with a quantity; approval of a request reserves stock.
- Requests: pending -> approved|rejected, approved -> in-transit -> delivered.
- Every transition is audited on the request and appended to the event log.
CLI commands open the configured store directly and act as --actor-id with --role.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding medshare.yml and the sqlite database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "caller identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleAdmin), "caller role (donor, ngo, individual, admin)")
	rootCmd.PersistentFlags().String("actor-name", "", "caller display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(medicationCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(a.Identity) == 0 {
				return fmt.Errorf("no identity provider configured; set auth.jwt_secret, auth.api_keys or auth.firebase")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: cfg.Auth.DevLogin},
				Identity: a.Identity,
				Hub:      a.Hub,
				Log:      log.With().Str("component", "http").Logger(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Str("store", cfg.Store.Driver).Msg("serving MedShare API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				log.Info().Msg("shutting down")
				return srv.Shutdown(sctx)
			})
			if a.Redis != nil {
				g.Go(func() error { return a.Redis.Run(gctx) })
			}
			if d := server.NewWebhookDispatcher(a.Engine, cfg.Webhooks, log.With().Str("component", "webhooks").Logger()); d != nil {
				g.Go(func() error { return d.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage medshare.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return c
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(config.Path(workspace))
	if err != nil {
		return nil, err
	}
	if cfg.Store.SQLite.Workspace == "" || cfg.Store.SQLite.Workspace == "." {
		cfg.Store.SQLite.Workspace = workspace
	}
	return cfg, nil
}

// withApp opens the configured store for one command. CLI output stays on
// stdout, so engine logs go to stderr at warn and above.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(os.Stderr, "warn", "console")
	if err != nil {
		log = zerolog.Nop()
	}
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actor is the caller CLI commands act as.
func actor() (domain.Caller, error) {
	c := domain.Caller{
		ID:     strings.TrimSpace(viper.GetString("actor-id")),
		Role:   domain.Role(viper.GetString("role")),
		Name:   viper.GetString("actor-name"),
		Source: "cli",
	}
	if c.ID == "" {
		return c, fmt.Errorf("--actor-id required")
	}
	if !c.Role.Valid() {
		return c, fmt.Errorf("unknown role %q", c.Role)
	}
	return c, nil
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func printMedication(m domain.Medication) error {
	return printJSONOrTable(m, func() {
		fmt.Printf("%s  %s  %d %s  [%s]\n", m.ID, m.Name, m.Quantity, m.Unit, m.Status)
	})
}

func printRequest(r domain.Request) error {
	return printJSONOrTable(r, func() {
		fmt.Printf("%s  %s x%d  [%s]\n", r.ID, r.MedicationName, r.Quantity, r.Status)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printNextCursor(cursor string) {
	if cursor != "" {
		fmt.Println("next cursor:", cursor)
	}
}

// parseDate accepts RFC 3339 or a bare date.
func parseDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q; use YYYY-MM-DD or RFC 3339", s)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
