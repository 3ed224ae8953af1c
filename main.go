package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"polymarket-mirror/api"
	"polymarket-mirror/config"
	"polymarket-mirror/handlers"
	"polymarket-mirror/signing"
	"polymarket-mirror/storage"
	"polymarket-mirror/syncer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("MIRROR_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	// Signing subsystem: one provider, one limiter, one breaker per process.
	var provider signing.Provider
	switch cfg.Signing.Backend {
	case "mpc":
		provider = signing.NewMPCProvider(cfg.Signing.MPCBaseURL, os.Getenv("MPC_API_KEY"), store)
	case "local":
		provider = signing.NewLocalProvider(cfg.Signing.LocalSeed)
	default:
		log.Fatalf("unknown signing backend %q", cfg.Signing.Backend)
	}
	log.Printf("[main] Signing backend: %s", provider.Name())

	limiter := signing.NewRateLimiter(cfg.Signing.RateLimit.PerUserPerMinute, cfg.Signing.RateLimit.GlobalPerMinute)
	signingBreaker := signing.NewCircuitBreaker(
		cfg.Signing.Breaker.FailureThreshold,
		time.Duration(cfg.Signing.Breaker.WindowSec)*time.Second,
		time.Duration(cfg.Signing.Breaker.RecoveryTimeoutMS)*time.Millisecond,
		cfg.Signing.Breaker.HalfOpenMaxCalls,
	)
	authority := signing.NewAuthority(provider, store, limiter, signingBreaker, cfg.Signing.Retry)

	clobClient := api.NewClobClient(cfg.Exchange.ClobURL, cfg.Exchange.ChainID, authority)
	dataClient := api.NewDataClient(cfg.Exchange.DataAPIURL, float64(cfg.Copy.FeedRequestsPerSec))

	tradingBreaker := syncer.NewTradingBreaker(
		cfg.TradingBreaker.FailureThreshold,
		time.Duration(cfg.TradingBreaker.WindowSec)*time.Second,
		time.Duration(cfg.TradingBreaker.RecoveryTimeoutMS)*time.Millisecond,
		cfg.TradingBreaker.HalfOpenMaxCalls,
	)

	engine := syncer.NewCopyEngine(store, clobClient, tradingBreaker, cfg.Exchange.NegRisk,
		time.Duration(cfg.Copy.FillSyncSec)*time.Second)
	ingestor := syncer.NewIngestor(store, dataClient, engine,
		time.Duration(cfg.Copy.PollIntervalSec)*time.Second, cfg.Copy.FeedTradeLimit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ingestor.Start(ctx); err != nil {
		log.Fatalf("failed to start ingestor: %v", err)
	}
	defer ingestor.Stop()

	if err := engine.StartFillSync(ctx); err != nil {
		log.Fatalf("failed to start fill sync: %v", err)
	}
	defer engine.Stop()

	// Activity websocket kicks the poller when a followed leader trades, so
	// mirroring does not wait for the next tick.
	marketWS := api.NewMarketWSClient(cfg.Exchange.MarketWSURL, func(leader string) {
		ingestor.Kick(leader)
	})
	if leaders, err := store.ListFollowedLeaders(ctx); err == nil {
		marketWS.SetFollowedAddresses(leaders)
	}
	if err := marketWS.Start(ctx); err != nil {
		log.Printf("[main] Activity websocket unavailable: %v (polling only)", err)
	} else {
		defer marketWS.Stop()
	}

	// HTTP server
	r := gin.Default()
	h := handlers.NewHandler(store, authority, tradingBreaker)
	h.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[main] Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("[main] Shutdown complete")
}
