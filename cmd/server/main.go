package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stitch-pipeline/internal/content"
	"stitch-pipeline/internal/pipeline"
	"stitch-pipeline/internal/platform/config"
	"stitch-pipeline/internal/platform/logger"
	"stitch-pipeline/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	curriculumFile := config.GetEnv("CURRICULUM_FILE", "")
	rotateLimit := config.GetEnvInt("ROTATE_RATE_LIMIT", 120)

	def := pipeline.DefaultConfig()
	cfg := pipeline.Config{
		JobTimeout:           config.GetEnvDuration("PREPARATION_TIMEOUT", def.JobTimeout),
		MonitorInterval:      config.GetEnvDuration("MONITOR_INTERVAL", def.MonitorInterval),
		FailureRateThreshold: config.GetEnvFloat("FAILURE_RATE_THRESHOLD", def.FailureRateThreshold),
		CacheMissThreshold:   config.GetEnvInt("CACHE_MISS_THRESHOLD", def.CacheMissThreshold),
		ThrottledRate:        rate.Limit(config.GetEnvFloat("THROTTLED_PREPARATIONS_PER_SEC", float64(def.ThrottledRate))),
	}
	workerCfg := pipeline.WorkerConfig{
		Runners:         config.GetEnvInt("PREPARATION_RUNNERS", pipeline.DefaultRunners),
		EmergencyBudget: config.GetEnvDuration("EMERGENCY_BUDGET", pipeline.DefaultEmergencyBudget),
	}
	assemblerCfg := content.DefaultAssemblerConfig()
	assemblerCfg.Latency = config.GetEnvDuration("ASSEMBLY_LATENCY", 500*time.Millisecond)
	assemblerCfg.FailureRate = config.GetEnvFloat("ASSEMBLY_FAILURE_RATE", 0)
	assemblerCfg.Seed = uint64(time.Now().UnixNano())
	retention := config.GetEnvDuration("CACHE_RETENTION", pipeline.DefaultCacheRetention)

	log := logger.New(logLevel, logFormat)

	curriculum := content.DefaultCurriculum()
	if curriculumFile != "" {
		c, err := content.LoadCurriculum(curriculumFile)
		if err != nil {
			log.Error("curriculum load failed", "path", curriculumFile, "error", err)
			os.Exit(1)
		}
		curriculum = c
	}

	met := metrics.New()
	cache := pipeline.NewReadyContentCache(retention, nil)
	worker := pipeline.NewWorker(
		content.NewAssembler(curriculum, assemblerCfg),
		cache,
		workerCfg,
		nil,
		logger.Component(log, "worker"),
		met,
	)
	coord := pipeline.NewCoordinator(cache, worker, content.NewProgression(curriculum), cfg,
		pipeline.WithLogger(logger.Component(log, "coordinator")),
		pipeline.WithMetrics(met),
	)
	h := pipeline.NewHandler(coord, logger.Component(log, "http"), met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { updateGauges(met, coord, cache, worker) }).ServeHTTP(w, r)
	})
	h.Routes(r, rotateRateLimit(rotateLimit))

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		coord.Run(monitorCtx)
	}()

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"preparation_runners", workerCfg.Runners,
		"preparation_timeout", cfg.JobTimeout.String(),
		"rotate_rate_limit", rotateLimit,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	stopMonitor()
	<-monitorDone
	worker.Close()

	log.Info("server stopped")
}

func updateGauges(met *metrics.Metrics, coord *pipeline.Coordinator, cache *pipeline.ReadyContentCache, worker *pipeline.Worker) {
	met.SetActiveUsers(coord.ActiveUsers())
	counts := make(map[string]int)
	for health, n := range coord.HealthCounts() {
		counts[string(health)] = n
	}
	met.SetUsersByHealth(counts)
	st := cache.Stats()
	met.SetCache(st.CurrentSize, st.HitRate())
	met.SetQueuedJobs(worker.Stats().Queued)
}

// rotateRateLimit limits rotations per user so a misbehaving client cannot
// spin a pipeline faster than it can be refilled.
func rotateRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return nil
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return chi.URLParam(r, "user_id"), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rotate rate limit exceeded"}`)
		}),
	)
}
