package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/duskline/e2ee/internal/authn"
	"github.com/duskline/e2ee/internal/config"
	"github.com/duskline/e2ee/internal/metrics"
	"github.com/duskline/e2ee/internal/middleware"
	"github.com/duskline/e2ee/internal/prekeyrepo"
	"github.com/duskline/e2ee/internal/registry"
	"github.com/duskline/e2ee/internal/relay"
)

func main() {
	cfg := config.Load()

	log.Printf("starting e2ee server: %s", cfg.ServerID)

	prekeys, err := prekeyrepo.Open(cfg.PostgresURL, cfg.Prekeys.MaxOneTimePrekeysPerUpload, cfg.Prekeys.MaxUnconsumedPerUser)
	if err != nil {
		log.Fatalf("failed to open prekey repository: %v", err)
	}
	defer prekeys.Close()

	relayStore, err := relay.OpenStore(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to open relay store: %v", err)
	}
	defer relayStore.Close()

	redisClient := goRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	inbox := relay.NewInbox(redisClient)

	broker, err := relay.NewBroker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect relay broker to redis: %v", err)
	}
	defer broker.Close()

	hub := relay.NewHub(cfg.ServerID, relayStore, inbox, broker)
	go hub.Run()

	brokerCtx, cancelBroker := context.WithCancel(context.Background())
	defer cancelBroker()
	go broker.Subscribe(brokerCtx, hub)

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, "e2ee-relay", cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("failed to register with consul: %v", err)
	}
	defer func() {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister from consul: %v", err)
		}
	}()

	authenticator := authn.NewWithRotation(config.GetAllActiveSecrets)
	limiter := middleware.NewTieredLimiter(redisClient)

	rotationCtx, cancelRotation := context.WithCancel(context.Background())
	defer cancelRotation()
	go config.WatchSecretRotation(rotationCtx)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	uploadLimit := limiter.Middleware("prekey-upload", cfg.Prekeys.UploadRatePerHour, time.Hour)
	fetchLimit := limiter.Middleware("prekey-fetch", cfg.Prekeys.BundleFetchRatePer5Min, 5*time.Minute)
	prekeyrepo.Router(router, prekeys, authenticator, uploadLimit, fetchLimit)

	router.HandleFunc("/ws", relay.ServeWS(hub, authenticator)).Methods(http.MethodGet)

	router.Use(metrics.MetricsMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"https://duskline.example"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("e2ee server listening on %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, shutting down", sig)

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister from consul: %v", err)
	}
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("warning: http shutdown error: %v", err)
		}
		close(done)
	}()

	hub.Shutdown()
	cancelBroker()
	<-done

	log.Println("server stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func goRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
