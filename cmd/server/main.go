package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/config"
	"github.com/mucan54/remoteql/internal/crypto"
	"github.com/mucan54/remoteql/internal/db"
	"github.com/mucan54/remoteql/internal/engine"
	"github.com/mucan54/remoteql/internal/executor"
	"github.com/mucan54/remoteql/internal/middleware"
	"github.com/mucan54/remoteql/internal/registry"
	"github.com/mucan54/remoteql/internal/replay"
	"github.com/mucan54/remoteql/internal/security"
	"github.com/mucan54/remoteql/internal/server"
	"github.com/mucan54/remoteql/internal/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(db.Migrations, "migrations", cfg.Database.URL()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to build entity registry: %v", err)
	}

	entities := security.NewEntityValidator(reg, security.EntityValidatorConfig{
		Namespaces: cfg.Namespaces,
		Strategy:   security.Strategy(cfg.Security.Strategy),
		Whitelist:  cfg.Security.Whitelist,
		Blacklist:  cfg.Security.Blacklist,
	})
	methods := security.NewMethodValidator(cfg.Security.ChainMethods, cfg.Security.TerminalMethods)

	exec := executor.New(engine.NewPG(conn.Pool, reg), entities, methods)

	services := service.NewRegistry()
	invoker := service.NewInvoker(services,
		security.ServicePolicy{Whitelist: cfg.Security.Services}, cfg.Namespaces)

	srv := server.New(exec, invoker, server.Options{
		MaxBatchSteps: cfg.Batch.MaxSteps,
		Debug:         cfg.Debug,
	})

	handler, err := buildHandler(cfg, srv)
	if err != nil {
		log.Fatalf("Failed to build handler chain: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting query server on %s", cfg.Addr)
		log.Printf("Query endpoint available at http://localhost%s/api/query", cfg.Addr)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, entity := range cfg.Entities {
		relations := make([]registry.Relation, len(entity.Relations))
		for i, rel := range entity.Relations {
			relations[i] = registry.Relation{
				Name:       rel.Name,
				Entity:     rel.Entity,
				LocalKey:   rel.LocalKey,
				ForeignKey: rel.ForeignKey,
				Many:       rel.Many,
			}
		}
		err := reg.Register(registry.Entity{
			Name:      entity.Name,
			Qualified: entity.Qualified,
			Type:      entity.Type,
			Queryable: entity.Queryable,
			Relations: relations,
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildHandler wraps the protocol routes with the middleware chain. Order
// matters: authentication runs before rate limiting so limits key on the
// caller, and decryption runs before the anti-replay guard so the guard sees
// the plaintext timestamp and nonce.
func buildHandler(cfg config.Config, srv *server.Server) (http.Handler, error) {
	handler := srv.Routes()

	if cfg.Replay.Enabled {
		guard := replay.NewGuard(cfg.Replay.Window(), cfg.Replay.Skew(), cfg.Replay.MaxNonces)
		handler = middleware.AntiReplay(guard)(handler)
	}

	if cfg.Encryption.Enabled {
		masterKey, err := decodeKey(cfg.Encryption.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption master key: %w", err)
		}
		masterSealer, err := crypto.NewSealer(masterKey)
		if err != nil {
			return nil, err
		}
		provider := middleware.StaticSealer(masterSealer)
		if cfg.Encryption.PerCallerKeys {
			provider = middleware.PerCallerSealer(masterKey, masterSealer)
		}
		handler = middleware.Encryption(provider)(handler)
	}

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
		handler = limiter.Middleware(handler)
	}

	verifier, fallback, err := buildVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}
	handler = middleware.BearerAuth(verifier, cfg.Auth.Required, fallback)(handler)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	return middleware.LoggingMiddleware(corsHandler.Handler(handler)), nil
}

func buildVerifier(cfg config.AuthConfig) (auth.TokenVerifier, auth.Identity, error) {
	verifier := auth.StaticVerifier{}
	for _, token := range cfg.Tokens {
		orgID, err := uuid.Parse(token.OrganizationID)
		if err != nil {
			return nil, auth.Identity{}, fmt.Errorf("token for %q has invalid organization id: %w", token.CallerID, err)
		}
		verifier[token.Token] = auth.Identity{
			CallerID:       token.CallerID,
			OrganizationID: orgID,
		}
	}

	var fallback auth.Identity
	if cfg.DefaultOrganization != "" {
		orgID, err := uuid.Parse(cfg.DefaultOrganization)
		if err != nil {
			return nil, auth.Identity{}, fmt.Errorf("invalid default organization id: %w", err)
		}
		fallback = auth.Identity{CallerID: "anonymous", OrganizationID: orgID}
	}
	return verifier, fallback, nil
}

// decodeKey accepts a 32-byte key in either base64 or hex encoding.
func decodeKey(s string) ([]byte, error) {
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("master key must decode to 32 bytes of base64 or hex")
}
