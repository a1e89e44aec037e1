package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"Civitas/internal/api/middleware"
	"Civitas/internal/api/routes"
	"Civitas/internal/atproto/identity"
	"Civitas/internal/atproto/oauth"
	"Civitas/internal/atproto/pds"
	"Civitas/internal/atproto/xrpc"
	"Civitas/internal/config"
	oauthCore "Civitas/internal/core/oauth"
	"Civitas/internal/db/migrations"
	postgresRepo "Civitas/internal/db/postgres"
	"Civitas/internal/web"

	oauthHandlers "Civitas/internal/api/handlers/oauth"
	xrpcHandlers "Civitas/internal/api/handlers/xrpc"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := oauth.NewClientConfig(cfg.PublicURL, cfg.Scope)
	if err != nil {
		return err
	}
	if cfg.ClientID != "" {
		client.ClientID = cfg.ClientID
	}

	httpClient := oauth.NewHTTPClient(cfg.AllowPrivateIPs)
	proofs := oauth.NewProofManager()

	idConfig := identity.DefaultConfig()
	idConfig.HTTPClient = httpClient
	idConfig.DirectoryURL = cfg.HandleDirectoryURL
	idConfig.PLCURL = cfg.PLCURL

	authService := oauthCore.NewService(
		oauthCore.Config{
			Client:             client,
			GlobalHost:         cfg.GlobalHost,
			DefaultServiceHost: cfg.DefaultServiceHost,
		},
		store,
		identity.NewResolver(idConfig),
		oauth.NewDiscoverer(httpClient, oauth.DefaultDiscoveryTimeout),
		oauth.NewTokenClient(httpClient, proofs, oauth.DefaultExchangeTimeout),
		pds.NewPasswordClient(httpClient, cfg.PasswordSessionEndpoint),
		proofs,
	)

	authService.OnStateChange(func(s oauthCore.AuthState) {
		if s.IsAuthenticated {
			slog.Info("auth state changed", "authenticated", true, "did", s.Session.DID, "agent", s.Agent)
		} else {
			slog.Info("auth state changed", "authenticated", false)
		}
	})

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), oauthCore.DefaultRestoreTimeout)
	restored := authService.Restore(restoreCtx)
	cancelRestore()
	slog.Info("session restore", "restored", restored)

	flashes, err := oauthHandlers.NewFlashStore(cfg.CookieSecret, !cfg.IsDevelopment())
	if err != nil {
		return err
	}
	exchanges := oauthHandlers.NewExchangeTracker()

	templates, err := web.NewTemplates()
	if err != nil {
		return err
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := middleware.NewRateLimiter(100, 1*time.Minute)
	defer rateLimiter.Stop()
	r.Use(rateLimiter.Middleware)

	routes.RegisterWebRoutes(r, web.NewHandlers(templates, authService, flashes, exchanges))
	stopOAuthLimiters := routes.RegisterOAuthRoutes(r, routes.OAuthHandlers{
		Login:    oauthHandlers.NewLoginHandler(authService, flashes),
		Callback: oauthHandlers.NewCallbackHandler(authService, flashes, exchanges),
		Logout:   oauthHandlers.NewLogoutHandler(authService),
		Demo:     oauthHandlers.NewDemoHandler(authService, flashes),
		State:    oauthHandlers.NewStateHandler(authService, exchanges),
		Client:   client,
	}, cfg.AllowedOrigins)
	defer stopOAuthLimiters()

	xrpcClient := xrpc.NewClient(httpClient, authService, proofs, cfg.DefaultServiceHost)
	routes.RegisterXRPCRoutes(r, xrpcHandlers.NewProxyHandler(xrpcClient))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Civitas starting", "port", cfg.Port, "public_url", cfg.PublicURL, "client_id", client.ClientID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// openStore returns PostgreSQL storage when DATABASE_URL is set and an
// in-memory store otherwise.
func openStore(cfg *config.Config) (oauthCore.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, sessions will not survive a restart")
		return oauthCore.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { _ = db.Close() }

	if err := db.Ping(); err != nil {
		closeDB()
		return nil, nil, err
	}
	slog.Info("connected to database")

	if err := migrations.Up(db); err != nil {
		closeDB()
		return nil, nil, err
	}
	slog.Info("migrations completed successfully")

	return postgresRepo.NewAuthStateRepository(db), closeDB, nil
}
