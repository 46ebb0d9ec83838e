package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbus"
	"github.com/petal-labs/petalbus/config"
	"github.com/petal-labs/petalbus/journal"
	petalotel "github.com/petal-labs/petalbus/otel"
	"github.com/petal-labs/petalbus/schedule"
	"github.com/petal-labs/petalbus/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a bus behind the HTTP API",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to petalbus.yaml (default: ./petalbus.yaml, then ~/.petalbus/config.yaml)")
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "SQLite journal path or DSN (default: in-memory journal)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector endpoint")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, source, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return exitError(exitValidation, "invalid config: %v", err)
	}

	logger := slog.Default()
	if source != "" {
		logger.Info("loaded config", "path", source)
	}

	st, err := buildStack(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	st.scheduler.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           st.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		// Long-polls and streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "petalbus listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// loadServeConfig discovers and loads the config file, then applies any
// flags the user set explicitly.
func loadServeConfig(cmd *cobra.Command) (config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")

	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.File{}, "", exitError(exitFileNotFound, "%v", err)
	}

	cfg := config.Default()
	if found {
		cfg, err = config.Load(path)
		if err != nil {
			return config.File{}, "", exitError(exitInputParse, "%v", err)
		}
	} else {
		cfg.ApplyEnv()
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("sqlite-path") {
		v, _ := flags.GetString("sqlite-path")
		cfg.Journal.DSN = strings.TrimSpace(v)
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}

	if !found {
		path = ""
	}
	return cfg, path, nil
}

// stack is everything serve runs: the bus and the services around it.
type stack struct {
	bus       *petalbus.Bus[petalbus.Payload]
	store     journal.Store
	hub       *journal.Hub
	throttle  *petalbus.ThrottledEmitter[petalbus.Payload]
	scheduler *schedule.Scheduler
	telemetry *petalotel.Provider
	api       *server.Server
	closers   []func() error
}

// buildStack assembles the bus, journal, telemetry, scheduler and API from
// cfg. The scheduler is returned stopped.
func buildStack(ctx context.Context, cfg config.File, logger *slog.Logger) (*stack, error) {
	st := &stack{}
	ok := false
	defer func() {
		if !ok {
			st.Close(context.Background())
		}
	}()

	if cfg.Journal.DSN == "" {
		st.store = journal.NewMemStore()
	} else {
		sqlStore, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{
			DSN:            cfg.Journal.DSN,
			RetentionAge:   cfg.Journal.RetentionAge,
			RetentionCount: cfg.Journal.RetentionCount,
			PruneInterval:  cfg.Journal.PruneInterval,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite journal: %w", err)
		}
		st.store = sqlStore
		st.closers = append(st.closers, sqlStore.Close)
	}

	st.hub = journal.NewHub(journal.HubConfig{})
	st.closers = append(st.closers, st.hub.Close)

	telemetry, err := petalotel.Setup(ctx, petalotel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Global:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	st.telemetry = telemetry

	metrics, err := petalotel.NewMetricsObserver(telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("initializing bus metrics: %w", err)
	}
	tracing := petalotel.NewTracingObserver(telemetry.Tracer())
	recorder := journal.NewRecorder(journal.RecorderConfig{
		Store:  st.store,
		Hub:    st.hub,
		Logger: logger,
	})

	// Continue the journal's sequence so history cursors stay valid across restarts.
	lastSeq, err := st.store.LatestSeq(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reading journal position: %w", err)
	}

	st.bus = petalbus.New(petalbus.Config[petalbus.Payload]{
		Observer: petalotel.EnrichObserver(
			petalbus.MultiObserver(metrics.Observe, recorder.Observe),
			tracing,
		),
		Logger:   logger,
		SeqStart: lastSeq,
	})

	emit := st.bus.Emit
	if len(cfg.Throttle.Events) > 0 {
		st.throttle = petalbus.NewThrottledEmitter(st.bus.Emit, petalbus.ThrottleConfig{
			CoalesceInterval: cfg.Throttle.Interval,
			Events:           cfg.Throttle.Events,
			Logger:           logger,
		})
		emit = st.throttle.Emit
	}

	st.scheduler, err = schedule.New(schedule.Config{
		Emit:    emit,
		Entries: cfg.ScheduleEntries(),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	st.api = server.NewServer(server.ServerConfig{
		Bus:             st.bus,
		Emit:            emit,
		Journal:         st.store,
		Hub:             st.hub,
		Scheduler:       st.scheduler,
		CORSOrigin:      cfg.Server.CORSOrigin,
		MaxBody:         cfg.Server.MaxBody,
		LongPollTimeout: cfg.Server.LongPollTimeout,
		Logger:          logger,
	})

	ok = true
	return st, nil
}

// Close stops the stack in reverse dependency order.
func (s *stack) Close(ctx context.Context) {
	if s.scheduler != nil {
		_ = s.scheduler.Stop(ctx)
	}
	if s.throttle != nil {
		s.throttle.Close()
	}
	if s.bus != nil {
		if err := s.bus.Clear(); err != nil {
			slog.Warn("clearing bus", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
		s.telemetry = nil
	}
}
