package main // Entry point package

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/iliyamo/clinic-flow/internal/catalog"
	"github.com/iliyamo/clinic-flow/internal/config"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/handler"
	"github.com/iliyamo/clinic-flow/internal/middleware"
	"github.com/iliyamo/clinic-flow/internal/pin"
	"github.com/iliyamo/clinic-flow/internal/router"
	"github.com/iliyamo/clinic-flow/internal/routing"
	"github.com/iliyamo/clinic-flow/internal/utils"
	"github.com/iliyamo/clinic-flow/internal/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinicflow",
		Short:         "Queue and routing engine for medical examination stations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pinsCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the websocket hub and the daily pin scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	at, err := pin.ParseTimeOfDay(cfg.PinIssueAt)
	if err != nil {
		return fmt.Errorf("invalid PIN_ISSUE_AT %q: %w", cfg.PinIssueAt, err)
	}

	var wg sync.WaitGroup
	scheduler := pin.NewScheduler(a.pins, a.clock, at, a.sweep, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if cfg.RabbitURL != "" {
		consumer := events.NewConsumer(cfg.RabbitURL, cfg.EventsExchange, a.hub, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event consumer stopped")
			}
		}()
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))

	health := &handler.HealthHandler{Clients: a.hub, Driver: cfg.StorageDriver}
	if a.breaker != nil {
		health.Breaker = a.breaker
	}
	router.RegisterRoutes(e, health)
	router.RegisterPublic(e, router.Handlers{
		Visits:  handler.NewVisitHandler(a.facility),
		Queue:   handler.NewQueueHandler(a.facility),
		Station: handler.NewStationHandler(a.catalog, a.router, a.queues),
		Events:  ws.NewHandler(a.hub, logger),
	}, router.Limits{
		Public: middleware.NewTokenBucket(cfg.RateLimit, a.rdb, logger),
		Pin:    middleware.NewTokenBucket(cfg.PinRateLimit, a.rdb, logger),
	})
	router.RegisterAdmin(e, handler.NewPinHandler(a.pins), cfg.JWTSecret)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	wg.Wait()
	return nil
}

func pinsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pins",
		Short: "Issue or rotate station pins",
	}

	var day string
	issueCmd := &cobra.Command{
		Use:   "issue [station]",
		Short: "Issue the day's pin for one station, or for every active station",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					p, err := a.pins.Issue(ctx, args[0], day)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s  %s\n", p.StationID, p.DayKey, p.Code)
					return nil
				}
				pins, err := a.pins.IssueAll(ctx, day)
				for _, p := range pins {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s  %s\n", p.StationID, p.DayKey, p.Code)
				}
				return err
			})
		},
	}
	issueCmd.Flags().StringVar(&day, "day", "", "day key YYYY-MM-DD (default today)")
	cmd.AddCommand(issueCmd)

	var rotateDay string
	rotateCmd := &cobra.Command{
		Use:   "rotate <station>",
		Short: "Replace a station's pin with a new generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p, err := a.pins.Rotate(ctx, args[0], rotateDay)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s  %s  (generation %d)\n", p.StationID, p.DayKey, p.Code, p.Generation)
				return nil
			})
		},
	}
	rotateCmd.Flags().StringVar(&rotateDay, "day", "", "day key YYYY-MM-DD (default today)")
	cmd.AddCommand(rotateCmd)
	return cmd
}

// withApp builds the engines against the configured storage, runs fn and
// tears everything down.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg := config.Load()
	if cfg.StorageDriver == config.DriverMemory {
		return errors.New("pins need a shared STORAGE_DRIVER; the memory store dies with this command")
	}
	a, err := buildApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Inspect the route table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [exam] [gender]",
		Short: "Print the station order for an exam type and gender, or list exam types",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(config.Load().CatalogPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) < 2 {
				for _, exam := range cat.ExamTypes() {
					fmt.Fprintln(out, exam)
				}
				return nil
			}
			g, err := routing.ParseGender(args[1])
			if err != nil {
				return err
			}
			ids, ok := cat.Route(args[0], g)
			if !ok {
				return fmt.Errorf("no route for %s/%s", args[0], g)
			}
			for i, id := range ids {
				st, _ := cat.Station(id)
				fmt.Fprintf(out, "%2d. %-12s %s (floor %s)\n", i+1, id, st.DisplayName, st.Floor)
			}
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.JWTSecret == "" {
				return errors.New("missing required env var: JWT_SECRET")
			}
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			role = strings.ToUpper(role)
			if role != utils.RoleAdmin && role != utils.RoleStaff {
				return fmt.Errorf("role must be %s or %s", utils.RoleAdmin, utils.RoleStaff)
			}
			tok, err := utils.NewAccessToken(cfg.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name carried in the sub claim")
	cmd.Flags().StringVar(&role, "role", utils.RoleStaff, "ADMIN or STAFF")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ACCESS_TOKEN_TTL_MIN)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
