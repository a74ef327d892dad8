package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"tubekeeper/internal/app"
	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/repo"
	"tubekeeper/internal/server"
	tubekeepersdk "tubekeeper/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tubekeeper",
	Short: "TrustTube keeper",
	Long: `Tubekeeper watches TrustTube escrow deals and settles them with attested YouTube facts.
- Deal: an escrow between a client and a creator for one video, paid by milestone or per view.
- Check: one verification run for one deal. A view-count check may claim a payout; an etag check reports tampering.
- Cycle: one scheduler pass over every active deal. Every Nth cycle also probes etags.
- Journal: every check event, stored in the workspace sqlite file; view it with 'tubekeeper log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TUBEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range config.EnvKeys() {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/tubekeeper.yml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:3500", "keeper API address for client commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for mutating API calls")
	for _, name := range []string{"config", "workspace", "json", "api", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkCmd("check", "Start a view-count check for a deal", func(ctx context.Context, c *tubekeepersdk.Client, id uint64) (string, error) {
		return c.Check(ctx, id)
	}))
	rootCmd.AddCommand(checkCmd("check-etag", "Start an etag tamper probe for a deal", func(ctx context.Context, c *tubekeepersdk.Client, id uint64) (string, error) {
		return c.CheckEtag(ctx, id)
	}))
	rootCmd.AddCommand(checkAllCmd())
	rootCmd.AddCommand(togglePollingCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dealsCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			k, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Keeper:      k,
				BasePath:    cfg.Server.BasePath,
				CORSOrigins: cfg.Server.CORSOrigins,
				RateLimit:   server.RateLimit{RPS: cfg.Server.RateLimit.RPS, Burst: cfg.Server.RateLimit.Burst},
				Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Logger:      logger,
			})
			if err != nil {
				_ = k.Shutdown(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			k.Start()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if k.Journal != nil && len(cfg.Webhooks) > 0 {
				dispatcher := server.NewWebhookDispatcher(k.Journal, cfg.Webhooks, logger)
				g.Go(func() error {
					dispatcher.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				return stopServing(srv, k, cfg.Scheduler.ShutdownGrace, logger)
			})
			fmt.Printf("Serving Tubekeeper API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// stopServing shuts the keeper down before the HTTP server, each with its own
// grace budget. Closing the keeper ends open event streams.
func stopServing(srv *http.Server, k *app.Keeper, grace time.Duration, logger *slog.Logger) error {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	logger.Info("shutting down", "event", "shutdown", "module", "cmd", "grace", grace.String())
	keeperCtx, cancelKeeper := context.WithTimeout(context.Background(), grace)
	defer cancelKeeper()
	keeperErr := k.Shutdown(keeperCtx)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), grace)
	defer cancelHTTP()
	return errors.Join(keeperErr, srv.Shutdown(httpCtx))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show keeper state: config, in-flight checks and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := apiClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(snap)
			}
			fmt.Printf("Polling: %v  Cycle: %d  Interval: %s  Etag every %d cycles\n",
				snap.Polling, snap.CycleCount, time.Duration(snap.Config.PollIntervalMs)*time.Millisecond, snap.Config.EtagCheckCycle)
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Deal", "Type", "Status", "Round", "Started", "Result"})
			for _, c := range append(snap.InFlight, snap.History...) {
				round := ""
				if c.RoundID != nil {
					round = strconv.FormatUint(*c.RoundID, 10)
				}
				t.AppendRow(table.Row{c.ID, c.DealID, c.Type, c.Status, round, c.StartedAt.Format(time.RFC3339), checkSummary(c)})
			}
			t.Render()
			return nil
		},
	}
}

func checkSummary(c tubekeepersdk.Check) string {
	if c.Error != "" {
		return c.ErrorKind + ": " + c.Error
	}
	if c.Result == nil {
		return ""
	}
	if c.Result.TxHash != "" {
		return fmt.Sprintf("%s (payout %s)", c.Result.TxHash, c.Result.Payout)
	}
	return c.Result.Message
}

func checkCmd(use, short string, start func(context.Context, *tubekeepersdk.Client, uint64) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDealID(args[0])
			if err != nil {
				return err
			}
			checkID, err := start(cmd.Context(), apiClient(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "checkId": checkID})
			}
			fmt.Println(checkID)
			return nil
		},
	}
}

func checkAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-all",
		Short: "Start a view-count check for every active deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, count, err := apiClient().CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "checkIds": ids, "dealCount": count})
			}
			fmt.Printf("admitted %d of %d active deals\n", len(ids), count)
			for _, id := range ids {
				fmt.Println(" ", id)
			}
			return nil
		},
	}
}

func togglePollingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-polling",
		Short: "Start or stop the periodic scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := apiClient().TogglePolling(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "pollingEnabled": enabled})
			}
			fmt.Println("polling enabled:", enabled)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change keeper config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configSetCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tubekeeper.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
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

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config for serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.ValidateForServe()
			}
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

func configSetCmd() *cobra.Command {
	var interval time.Duration
	var cycle int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the running keeper's poll interval or etag cadence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ms *int64
			var every *int
			if cmd.Flags().Changed("poll-interval") {
				v := interval.Milliseconds()
				ms = &v
			}
			if cmd.Flags().Changed("etag-cycle") {
				every = &cycle
			}
			if ms == nil && every == nil {
				return fmt.Errorf("--poll-interval or --etag-cycle required")
			}
			updated, err := apiClient().UpdateConfig(cmd.Context(), ms, every)
			if err != nil {
				return err
			}
			return printJSONOrTable(updated)
		},
	}
	cmd.Flags().DurationVar(&interval, "poll-interval", 0, "scheduler interval, e.g. 5m")
	cmd.Flags().IntVar(&cycle, "etag-cycle", 0, "probe etags every N cycles")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Read the check journal",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, checkID string
	var dealID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.JournalFilter{Type: evtType, CheckID: checkID, Limit: n}
				if dealID >= 0 {
					f.DealID = &dealID
				}
				entries, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Time", "Type", "Check", "Deal", "Status"})
				for _, e := range entries {
					deal := ""
					if e.DealID != nil {
						deal = strconv.FormatInt(*e.DealID, 10)
					}
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.CheckID, deal, e.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&checkID, "check", "", "check id filter")
	cmd.Flags().Int64Var(&dealID, "deal", -1, "deal id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the keeper API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (or TUBEKEEPER_SERVER_JWT_SECRET) is required")
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(viper.GetViper())
	if !viper.IsSet("journal.workspace") && (cfg.Journal.Workspace == "" || cfg.Journal.Workspace == ".") {
		cfg.Journal.Workspace = viper.GetString("workspace")
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	if viper.GetBool("json") {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func apiClient() *tubekeepersdk.Client {
	c := tubekeepersdk.New(viper.GetString("api"))
	c.BearerToken = viper.GetString("token")
	if cfg, err := loadConfig(); err == nil && cfg.Server.BasePath != "" {
		c.BasePath = cfg.Server.BasePath
	}
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.OpenJournal(ctx, cfg.Journal.Workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func parseDealID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deal id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dealStatusOf(s string) (domain.DealStatus, error) {
	var st domain.DealStatus
	err := st.UnmarshalText([]byte(s))
	return st, err
}
