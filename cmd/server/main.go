package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/config"
	"blockparty/internal/persistence/repo"
	"blockparty/internal/transport/httpapi"
	"blockparty/internal/transport/ws"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "http listen address")
		cfgPath = flag.String("config", "", "config yaml path (empty: defaults)")
		dbPath  = flag.String("db", "", "sqlite path (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[hub] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755)
	store, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer store.Close()

	hub := ws.NewHub(log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds))
	limiter := canvas.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	api := httpapi.NewServer(store, hub, limiter, cfg.GridSize, logger)

	mux := api.Routes()
	mux.HandleFunc("/v1/ws", hub.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("listening addr=%s db=%s grid=%d", *addr, cfg.DBPath, cfg.GridSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
