package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/randomizer/internal/config"
	"github.com/ehr/randomizer/internal/domain/randomization"
	"github.com/ehr/randomizer/internal/platform/middleware"
	"github.com/ehr/randomizer/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "trial-randomizer",
		Short:         "Stratified randomization plans for two-arm clinical trials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(strataCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Development gets the console writer.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	if lvl, err := cfg.ZerologLevel(); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the randomization HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func strataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strata",
		Short: "List the strata in processing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %-13s %s\n", "KEY", "SLEEP QUALITY", "SEX")
			for _, s := range randomization.AllStrata {
				fmt.Fprintf(out, "%-8s %-13s %s\n", s.Key(), s.SleepQuality, s.Sex)
			}
			fmt.Fprintf(out, "\nblock strategy requires each stratum to be a multiple of %d\n", randomization.BlockSize)
			return nil
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	tp, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "trial-randomizer",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		OutputFile:     cfg.TraceOutput,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer tp.Shutdown(context.Background())

	e := newServer(cfg, logger)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires middleware and routes.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{
			echo.HeaderContentDisposition, middleware.RequestIDHeader,
			"X-Plan-ID", "X-Plan-Seed", "X-Validation-Errors", "X-Validation-Error",
		},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	svc := randomization.NewService(logger, cfg.DefaultStrategy)
	randomization.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

type generateOptions struct {
	strategy   string
	initialID  int
	seed       int64
	seedSet    bool
	strataFile string
	format     string
	output     string
	sizes      map[string]int
	changed    map[string]bool // flags set explicitly; they override the strata file
}

var stratumFlags = []struct {
	flag string
	key  string
}{
	{"good-m", "Good_M"},
	{"good-f", "Good_F"},
	{"poor-m", "Poor_M"},
	{"poor-f", "Poor_F"},
}

func generateCmd() *cobra.Command {
	opts := &generateOptions{sizes: map[string]int{}, changed: map[string]bool{}}
	counts := make([]int, len(stratumFlags))

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a randomization plan",
		Long: `Generate a randomization plan for the four Sleep Quality x Sex strata.

Stratum counts come from --strata-file and/or the per-stratum flags; flags win.
With --strategy block every stratum must be a multiple of 4; strata that are not
are reported on stderr and left out of the plan.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, sf := range stratumFlags {
				if cmd.Flags().Changed(sf.flag) {
					opts.sizes[sf.key] = counts[i]
				}
			}
			opts.seedSet = cmd.Flags().Changed("seed")
			opts.changed["strategy"] = cmd.Flags().Changed("strategy")
			opts.changed["initial-id"] = cmd.Flags().Changed("initial-id")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			if opts.strategy == "" {
				opts.strategy = cfg.DefaultStrategy
			}

			svc := randomization.NewService(logger, cfg.DefaultStrategy)
			if opts.output == "" {
				return runGenerate(cmd.Context(), svc, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}
			out := &outputFile{path: opts.output}
			err = runGenerate(cmd.Context(), svc, opts, out, cmd.ErrOrStderr())
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.strategy, "strategy", "", "randomization strategy: simple or block (default from DEFAULT_STRATEGY)")
	f.IntVar(&opts.initialID, "initial-id", randomization.DefaultInitialID, "first subject ID")
	f.Int64Var(&opts.seed, "seed", 0, "seed for a reproducible plan (random when omitted)")
	f.StringVar(&opts.strataFile, "strata-file", "", "YAML file with strategy, initial_id, seed and strata counts")
	f.StringVar(&opts.format, "format", "table", "output format: table, csv or json")
	f.StringVarP(&opts.output, "output", "o", "", "write the plan to this file instead of stdout")
	for i, sf := range stratumFlags {
		f.IntVar(&counts[i], sf.flag, 0, fmt.Sprintf("participants in stratum %s", sf.key))
	}
	return cmd
}

// outputFile creates its file on the first Write, so a rejected run leaves
// nothing behind.
type outputFile struct {
	path string
	f    *os.File
}

func (o *outputFile) Write(p []byte) (int, error) {
	if o.f == nil {
		f, err := os.Create(o.path)
		if err != nil {
			return 0, fmt.Errorf("create output file: %w", err)
		}
		o.f = f
	}
	return o.f.Write(p)
}

func (o *outputFile) Close() error {
	if o.f == nil {
		return nil
	}
	return o.f.Close()
}

// runGenerate resolves inputs, runs the service and renders the plan.
func runGenerate(ctx context.Context, svc *randomization.Service, opts *generateOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch opts.format {
	case "table", "csv", "json", "":
	default:
		return fmt.Errorf("unknown output format %q (want table, csv or json)", opts.format)
	}

	sizes := randomization.StrataSizes{}
	req := randomization.GenerateRequest{Strategy: opts.strategy, InitialID: opts.initialID}
	if opts.strataFile != "" {
		file, fileSizes, err := randomization.LoadStrataFile(opts.strataFile)
		if err != nil {
			return err
		}
		for s, n := range fileSizes {
			sizes[s] = n
		}
		if file.Strategy != "" && !opts.changed["strategy"] {
			req.Strategy = file.Strategy
		}
		if file.InitialID != nil && !opts.changed["initial-id"] {
			req.InitialID = *file.InitialID
		}
		if file.Seed != nil && !opts.seedSet {
			req.Seed = file.Seed
		}
	}

	flagSizes, err := randomization.ParseStrataSizes(opts.sizes)
	if err != nil {
		return err
	}
	for s, n := range flagSizes {
		sizes[s] = n
	}
	if opts.seedSet {
		seed := opts.seed
		req.Seed = &seed
	}
	req.Sizes = sizes

	plan, err := svc.Generate(ctx, req)
	if err != nil {
		return err
	}

	for _, msg := range plan.ValidationMessages() {
		fmt.Fprintln(errOut, "error:", msg)
	}

	switch opts.format {
	case "csv":
		return randomization.WriteCSV(out, plan.Records)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	default:
		if err := randomization.WriteTable(out, plan); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "\nplan %s  strategy=%s  seed=%d  records=%d\n",
			plan.ID, plan.Strategy, plan.Seed, len(plan.Records))
		return err
	}
}
