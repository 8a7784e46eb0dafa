package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linkflow-go/internal/overlord/assign"
	"github.com/linkflow-go/internal/overlord/blacklist"
	"github.com/linkflow-go/internal/overlord/clock"
	"github.com/linkflow-go/internal/overlord/coordinator"
	"github.com/linkflow-go/internal/overlord/metrics"
	"github.com/linkflow-go/internal/overlord/registry"
	"github.com/linkflow-go/internal/overlord/reports"
	"github.com/linkflow-go/internal/overlord/statuscache"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/config"
	"github.com/linkflow-go/pkg/events"
	"github.com/linkflow-go/pkg/logger"
	pkgmetrics "github.com/linkflow-go/pkg/metrics"
)

const httpServiceName = "overlord"

func main() {
	cfg, err := config.Load("overlord")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())
	oc := cfg.Overlord

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewEtcdStore(ctx, store.EtcdConfig{
		Endpoints:      oc.EtcdEndpoints,
		DialTimeout:    time.Duration(oc.EtcdDialTimeoutSeconds) * time.Second,
		SessionTTL:     time.Duration(oc.SessionTTLSeconds) * time.Second,
		RequestTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to coordination store", "error", err)
	}
	defer st.Close()

	m := metrics.New()
	reg := registry.New(st, log, m)
	statusCache := statuscache.New(st, reg, log)
	blacklistCtl := blacklist.New(blacklist.Config{
		MaxRetriesBeforeBlacklist: 5,
		MaxPercentageBlacklisted:  oc.BlacklistMaxPercentage,
		Backoff:                   time.Duration(oc.BlacklistInitialBackoffSec) * time.Second,
	}, clock.New(), log)
	engine := assign.New(assign.EqualDistribution{})

	var eventBus events.EventBus
	if len(cfg.Kafka.Brokers) > 0 {
		bus, err := events.NewKafkaEventBus(events.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         "overlord.task.lifecycle",
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		})
		if err != nil {
			log.Warn("failed to construct kafka event bus, continuing without supplemental events", "error", err)
		} else {
			eventBus = bus
			defer bus.Close()
		}
	}

	coord := coordinator.New(coordinator.Config{
		TaskAssignmentTimeout:  time.Duration(oc.TaskAssignmentTimeoutSeconds) * time.Second,
		TaskCleanupTimeout:     time.Duration(oc.TaskCleanupTimeoutSeconds) * time.Second,
		AssignmentLoopInterval: time.Duration(oc.AssignmentLoopIntervalSeconds) * time.Second,
		MaintenanceInterval:    time.Duration(oc.MaintenanceIntervalSeconds) * time.Second,
		StoreWriteRPS:          oc.AssignmentStoreWriteRPS,
		StoreWriteBurst:        oc.AssignmentStoreWriteBurst,
	}, coordinator.Deps{
		Store:       st,
		Registry:    reg,
		StatusCache: statusCache,
		Engine:      engine,
		Blacklist:   blacklistCtl,
		Logger:      log,
		Metrics:     m,
		EventBus:    eventBus,
	})

	if err := coord.Start(ctx); err != nil {
		log.Fatal("failed to start coordinator", "error", err)
	}

	reportProxy := reports.New(&http.Client{Timeout: time.Duration(oc.ReportProxyTimeoutSeconds) * time.Second}, coord, log, reports.Config{
		StreamOpenRPS:   oc.ReportProxyStreamOpenRPS,
		StreamOpenBurst: oc.ReportProxyStreamOpenBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/druid/indexer/v1/task", instrumented("/druid/indexer/v1/task", func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, coord)
	}))
	mux.HandleFunc("/druid/indexer/v1/task/", instrumented("/druid/indexer/v1/task/", func(w http.ResponseWriter, r *http.Request) {
		handleReports(w, r, reportProxy)
	}))

	srv := &http.Server{
		Addr:    httpAddr(oc.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Info("overlord http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down overlord...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Error("coordinator forced to shutdown", "error", err)
	}

	log.Info("overlord exited")
}

// instrumented wraps handler with the request-count and duration metrics
// every service in this tree publishes under the same label set.
func instrumented(path string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		pkgmetrics.RecordHTTPRequest(httpServiceName, r.Method, path, strconv.Itoa(rec.status))
		pkgmetrics.RecordHTTPDuration(httpServiceName, r.Method, path, time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func httpAddr(port int) string {
	if port == 0 {
		port = 8090
	}
	return ":" + strconv.Itoa(port)
}

type submitRequest struct {
	ID         string          `json:"id"`
	DataSource string          `json:"dataSource"`
	Payload    json.RawMessage `json:"payload"`
	Resource   task.Resource   `json:"resource"`
}

func handleSubmit(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t := task.Task{
		ID:         req.ID,
		DataSource: req.DataSource,
		Payload:    []byte(req.Payload),
		Resource:   req.Resource,
	}
	if _, err := coord.Submit(r.Context(), t); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"task": t.ID})
}

func handleReports(w http.ResponseWriter, r *http.Request, proxy *reports.Proxy) {
	taskID := path.Base(r.URL.Path)
	stream, err := proxy.StreamTaskReports(r.Context(), taskID)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if stream == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.Copy(w, stream)
}
