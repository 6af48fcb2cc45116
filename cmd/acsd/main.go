package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"tr069acs/internal/api"
	"tr069acs/internal/config"
	"tr069acs/internal/engine"
	"tr069acs/internal/liveness"
	"tr069acs/internal/store"
	"tr069acs/internal/ws"
)

func main() {
	cfg := config.Load()

	db, err := store.Open(cfg.SQLitePath())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()
	log.Println("store opened:", cfg.SQLitePath())

	hub := ws.NewHub()
	go hub.Run()
	log.Println("websocket hub started")

	eng := engine.New(db, hub)

	sweeper := liveness.New(db, hub, cfg.LivenessSweepInterval, cfg.OfflineThreshold)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)
	log.Printf("liveness sweeper started: interval=%s threshold=%s", cfg.LivenessSweepInterval, cfg.OfflineThreshold)

	mgmtAPI := api.New(db)

	router := mux.NewRouter()
	router.HandleFunc("/cwmp", cwmpHandler(eng, cfg.SessionTimeout)).Methods("POST")
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.HandleWebSocket(hub, w, r)
	})
	router.PathPrefix("/api").Handler(mgmtAPI.Router())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(router),
		ReadTimeout:  cfg.SessionTimeout,
		WriteTimeout: cfg.SessionTimeout,
	}

	go func() {
		log.Printf("acsd listening on %s (CWMP /cwmp, API /api, dashboard /api/ws, health /health)", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// healthHandler is a liveness check for the process itself, not the
// devices it manages: it reports that the server is accepting
// connections, independent of the liveness sweeper's device bookkeeping.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// cwmpHandler adapts the session engine to net/http: every POST body is
// one state-machine step, bounded by the session timeout.
func cwmpHandler(eng *engine.Engine, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)

		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddr = host
		}
		if host := r.Header.Get("X-Forwarded-For"); host != "" {
			remoteAddr = host
		}

		disp := eng.Handle(body, remoteAddr)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(disp.Status)
		w.Write(disp.Body)
	}
}
