package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/kudos-pass/backend/internal/config"
	"github.com/zhouzirui/kudos-pass/backend/internal/handler"
	"github.com/zhouzirui/kudos-pass/backend/internal/ratelimit"
	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	kudosService "github.com/zhouzirui/kudos-pass/backend/internal/service/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/service/moderation"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage/memory"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()
	go storage.RunJanitor(ctx, store, cfg.Storage.PurgeInterval)

	// Realtime push: in-process hub plus signed subscription URLs
	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(cfg.Realtime.Buffer)
	}
	var transport realtime.Transport
	if hub != nil {
		transport = hub
	}
	gateway := realtime.NewGateway(transport)
	negotiator := realtime.NewNegotiator(cfg.Realtime.Secret, cfg.Server.PublicURL, cfg.Realtime.TokenTTL)
	switch {
	case hub == nil:
		log.Println("realtime push disabled, clients will poll")
	case !negotiator.Available():
		log.Println("REALTIME_SECRET 未配置，WebSocket 协商不可用，仅提供 SSE 与轮询")
	default:
		log.Println("realtime push enabled")
	}

	// Content moderation (heuristics, optionally double-checked by the chat model)
	var chatModel model.ChatModel
	if cfg.Moderation.LLMEnabled {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			log.Println("continuing with heuristic moderation only - 请检查 Ark 模型相关环境变量")
		}
	}
	moderationSvc, err := moderation.NewService(ctx, chatModel, moderation.Config{LLMEnabled: cfg.Moderation.LLMEnabled})
	if err != nil {
		log.Fatalf("failed to initialize moderation service: %v", err)
	}
	if moderationSvc.Enabled() {
		log.Println("LLM moderation enabled")
	} else {
		log.Println("LLM moderation disabled, using heuristics")
	}

	guard := ratelimit.NewGuard(ratelimit.Config{
		SourceRate:  cfg.RateLimit.SourceRate,
		SourceBurst: cfg.RateLimit.SourceBurst,
		ActionRate:  cfg.RateLimit.ActionRate,
		ActionBurst: cfg.RateLimit.ActionBurst,
		IdleTTL:     cfg.RateLimit.IdleTTL,
	})
	go guard.RunSweeper(ctx, cfg.RateLimit.SweepInterval)

	kudosSvc := kudosService.NewService(store, gateway, kudosService.WithContentPolicy(moderationSvc))

	router := handler.NewRouter(handler.Deps{
		Origins:    cfg.Server.Origins,
		Kudos:      kudosSvc,
		Guard:      guard,
		Store:      store,
		Gateway:    gateway,
		Hub:        hub,
		Negotiator: negotiator,
	})

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		log.Printf("using sqlite storage at %s", cfg.SQLitePath)
		return sqlite.Open(cfg.SQLitePath)
	default:
		log.Println("using in-memory storage, sessions are lost on restart")
		return memory.New(), nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Kudos Pass backend listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
