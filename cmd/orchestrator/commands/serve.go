package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/config"
	"github.com/elemental-dev/orchestrator/internal/dispatch"
	"github.com/elemental-dev/orchestrator/internal/eventbus"
	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/orchestrator"
	"github.com/elemental-dev/orchestrator/internal/providerproc"
	"github.com/elemental-dev/orchestrator/internal/sessionmgr"
	"github.com/elemental-dev/orchestrator/internal/sharedserver"
	"github.com/elemental-dev/orchestrator/internal/spawner"
	"github.com/elemental-dev/orchestrator/internal/taskstore"
)

var (
	serveListen         string
	serveProviderBinary string
	serveTickInterval   time.Duration
	serveConfigDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core as a daemon",
	Long: `serve wires the Event Bus, Spawner, Session Manager, and Dispatch
Daemon together behind the External API and listens for HTTP requests
until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default: 127.0.0.1:<config server.port>)")
	serveCmd.Flags().StringVar(&serveProviderBinary, "provider-binary", "", "Coding-agent CLI binary to spawn (overrides config)")
	serveCmd.Flags().DurationVar(&serveTickInterval, "dispatch-interval", 0, "Dispatch Daemon poll interval (overrides config)")
	serveCmd.Flags().StringVar(&serveConfigDir, "dir", "", "Project directory to load .orchestrator/orchestrator.json[c] from")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigDir)
	if err != nil {
		return err
	}
	if serveProviderBinary != "" {
		cfg.ProviderBinary = serveProviderBinary
	}
	if serveTickInterval != 0 {
		cfg.Dispatch.TickInterval = serveTickInterval
	}
	if !cmd.Root().PersistentFlags().Changed("log-level") && cfg.LogLevel != "" {
		logging.Logger = logging.Logger.Level(logging.ParseLevel(cfg.LogLevel))
	}

	providers := providerproc.NewRegistry()
	claude := providerproc.NewClaudeCLI(cfg.ProviderBinary)
	providers.Register(claude)
	if !claude.IsAvailable() {
		logging.Warn().Str("binary", claude.Binary()).Msg("orchestrator: provider binary not found on PATH")
	}

	bus := eventbus.New(cfg.Spawner.EventBufferSize)
	store := taskstore.NewMemory()

	sp := spawner.New(spawner.Config{
		Provider:         claude,
		InitTimeout:      cfg.Spawner.InitTimeout,
		GracefulShutdown: cfg.Spawner.GracefulShutdown,
		PTYCols:          cfg.Spawner.PTYCols,
		PTYRows:          cfg.Spawner.PTYRows,
		EventBufferSize:  cfg.Spawner.EventBufferSize,
	}, bus)
	sessions := sessionmgr.New(sp, store, bus)

	// Sessions of a server-backed provider share one backing process,
	// refcounted by the coordinator: the first session up starts it, the
	// last one out stops it.
	if sb, ok := claude.(providerproc.ServerBacked); ok {
		coord := sharedserver.New(
			func(ctx context.Context, key string, _ any) (sharedserver.Handle, error) {
				bin, serverArgs := sb.ServerCommand()
				proc, err := sharedserver.StartServerProcess(ctx, bin, serverArgs)
				if err != nil {
					return nil, err
				}
				logging.Info().Str("key", key).Int("pid", proc.Pid()).Msg("orchestrator: shared provider server started")
				return proc, nil
			},
			func(h sharedserver.Handle) error {
				return h.(*sharedserver.ServerProcess).Close()
			},
		)
		sessions.UseSharedServer(coord, claude.Name())
	}

	daemon := dispatch.New(dispatch.Config{
		TickInterval:     cfg.Dispatch.TickInterval,
		BatchSize:        cfg.Dispatch.BatchSize,
		StoreCallTimeout: cfg.Dispatch.StoreTimeout,
		MaxBackoff:       cfg.Dispatch.MaxBackoff,
	}, store, orchestrator.OnAssignHook(bus))
	daemon.Start()
	defer daemon.Stop()

	if serveListen == "" {
		serveListen = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	}

	api := orchestrator.New(sessions, daemon, bus, store)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	api.Mount(router)

	httpSrv := &http.Server{
		Addr:    serveListen,
		Handler: router,
	}

	go func() {
		logging.Info().Str("listen", serveListen).Msg("orchestrator: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("orchestrator: server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("orchestrator: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("orchestrator: shutdown error")
	}

	for _, sess := range sessions.ListActive() {
		if err := sessions.Stop(sess.ID, true); err != nil {
			logging.Warn().Err(err).Str("sessionID", sess.ID).Msg("orchestrator: failed to stop session on shutdown")
		}
	}

	logging.Info().Msg("orchestrator: stopped")
	return nil
}
