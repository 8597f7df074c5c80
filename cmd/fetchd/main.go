// fetchd exposes the fetch pipeline as a small HTTP daemon: POST /fetch
// proxies URL retrievals through the shared queue, GET /status reports
// pipeline health, and /metrics serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parlaytrack/fetchpipe/internal/config"
	"github.com/parlaytrack/fetchpipe/pkg/cache"
	"github.com/parlaytrack/fetchpipe/pkg/fetch"
	"github.com/parlaytrack/fetchpipe/pkg/logging"
	"github.com/parlaytrack/fetchpipe/pkg/proxypool"
	"github.com/parlaytrack/fetchpipe/pkg/queue"
)

var configPath = flag.String("config", "", "Path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.Setup(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	}).With().Str("component", "fetchd").Logger()

	pipeline, cleanup, err := buildPipeline(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build pipeline")
	}
	defer cleanup()

	pipeline.Start()
	defer pipeline.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/fetch", fetchHandler(pipeline))
	mux.HandleFunc("/status", statusHandler(pipeline))
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("fetchd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
}

func buildPipeline(cfg *config.Config, logger zerolog.Logger) (*fetch.Pipeline, func(), error) {
	q := queue.New(queue.Config{
		RequestsPerMinute: cfg.Queue.RequestsPerMinute,
		MinDelay:          cfg.Queue.MinDelay,
		MaxBodyBytes:      cfg.Queue.MaxBodyBytes,
	})

	pipeCfg := fetch.Config{
		Queue: q,
		Policy: fetch.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Timeout:     cfg.Retry.Timeout,
		},
	}

	if cfg.Proxy.Enabled {
		pipeCfg.Proxies = proxypool.New(proxypool.Config{
			Sources:         sourcesFromNames(cfg.Proxy.Sources, cfg.Proxy.SourceTimeout),
			MaxFailures:     cfg.Proxy.MaxFailures,
			RefreshInterval: cfg.Proxy.RefreshInterval,
			SourceTimeout:   cfg.Proxy.SourceTimeout,
		})
	}

	cleanup := func() {}
	if cfg.Cache.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, nil, err
		}
		logger.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Connected to Redis")
		pipeCfg.Cache = cache.NewManager(redisClient)
		cleanup = func() { redisClient.Close() }
	}

	p, err := fetch.New(pipeCfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

func sourcesFromNames(names []string, timeout time.Duration) []proxypool.Source {
	srcCfg := proxypool.DefaultSourceConfig()
	srcCfg.Timeout = timeout

	if len(names) == 0 {
		return proxypool.DefaultSources(srcCfg)
	}

	var sources []proxypool.Source
	for _, name := range names {
		switch name {
		case "proxyscrape":
			sources = append(sources, proxypool.NewProxyScrapeSource(srcCfg))
		case "freeproxylist":
			sources = append(sources, proxypool.NewFreeProxyListSource(srcCfg))
		case "geonode":
			sources = append(sources, proxypool.NewGeonodeSource(srcCfg))
		case "proxylistdownload":
			sources = append(sources, proxypool.NewProxyListDownloadSource(srcCfg))
		}
	}
	return sources
}

// fetchRequest is the POST /fetch body.
type fetchRequest struct {
	URL          string            `json:"url"`
	UseProxy     bool              `json:"use_proxy"`
	Priority     int               `json:"priority"`
	Headers      map[string]string `json:"headers"`
	MaxRetries   int               `json:"max_retries"`
	CacheTTLSecs int               `json:"cache_ttl_seconds"`
}

type fetchResponse struct {
	OK           bool   `json:"ok"`
	Status       int    `json:"status"`
	Data         any    `json:"data,omitempty"`
	Text         string `json:"text,omitempty"`
	UsedProxy    bool   `json:"used_proxy"`
	ResponseTime string `json:"response_time"`
	Attempts     int    `json:"attempts"`
	FromCache    bool   `json:"from_cache"`
}

func fetchHandler(p *fetch.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		resp, err := p.Fetch(r.Context(), req.URL, fetch.Options{
			UseProxy:   req.UseProxy,
			Priority:   req.Priority,
			Headers:    req.Headers,
			MaxRetries: req.MaxRetries,
			CacheTTL:   time.Duration(req.CacheTTLSecs) * time.Second,
		})
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, fetchResponse{
			OK:           resp.OK,
			Status:       resp.Status,
			Data:         resp.Data,
			Text:         resp.Text,
			UsedProxy:    resp.UsedProxy,
			ResponseTime: resp.ResponseTime.String(),
			Attempts:     resp.Attempts,
			FromCache:    resp.FromCache,
		})
	}
}

func statusHandler(p *fetch.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Status())
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
