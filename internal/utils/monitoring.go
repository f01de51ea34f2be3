package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// GaugeSource reports the current value of named gauges, e.g. active topics
type GaugeSource func() map[string]int64

type MonitoringServer struct {
	server    *http.Server
	listener  net.Listener
	startTime time.Time
	logger    *LogsManager
	config    *ConfigManager
	gauges    GaugeSource

	requestCount int64
	errorCount   int64
}

type ResourceStats struct {
	Timestamp      string           `json:"timestamp"`
	Goroutines     int              `json:"goroutines"`
	HeapAllocBytes uint64           `json:"heap_alloc_bytes"`
	HeapInuseBytes uint64           `json:"heap_inuse_bytes"`
	HeapObjects    uint64           `json:"heap_objects"`
	NumGC          uint32           `json:"num_gc"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	RequestCount   int64            `json:"request_count"`
	ErrorCount     int64            `json:"error_count"`
	Gauges         map[string]int64 `json:"gauges,omitempty"`
}

// ConfigState is the live configuration as served by /config
type ConfigState struct {
	LogLevel string `json:"log_level"`
	Configs  Config `json:"configs"`
}

type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Address   string `json:"address"`
	Timestamp string `json:"timestamp"`
}

func NewMonitoringServer(config *ConfigManager, logger *LogsManager, gauges GaugeSource) *MonitoringServer {
	return &MonitoringServer{
		startTime: time.Now(),
		logger:    logger,
		config:    config,
		gauges:    gauges,
	}
}

// Enabled reports whether monitor_addr is configured
func (ms *MonitoringServer) Enabled() bool {
	return strings.TrimSpace(ms.config.GetConfigWithDefault("monitor_addr", "")) != ""
}

func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", ms.count(pprof.Index))
	mux.HandleFunc("/debug/pprof/profile", ms.count(pprof.Profile))
	mux.HandleFunc("/debug/pprof/trace", ms.count(pprof.Trace))
	mux.HandleFunc("/stats/resources", ms.count(ms.handleResourceStats))
	mux.HandleFunc("/stats/goroutines", ms.count(ms.handleGoroutines))
	mux.HandleFunc("/health", ms.count(ms.handleHealth))
	mux.HandleFunc("/metrics", ms.count(ms.handleMetrics))
	mux.HandleFunc("/config", ms.count(ms.handleConfig))
	mux.HandleFunc("/config/reload", ms.count(ms.handleConfigReload))
	return mux
}

func (ms *MonitoringServer) count(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ms.requestCount, 1)
		handler(w, r)
	}
}

func (ms *MonitoringServer) Start() error {
	addr := strings.TrimSpace(ms.config.GetConfigWithDefault("monitor_addr", ""))
	if addr == "" {
		return fmt.Errorf("monitor_addr is not set")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind monitoring server to %s: %w", addr, err)
	}
	ms.listener = listener

	ms.server = &http.Server{
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := ms.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error(fmt.Sprintf("Monitoring server error: %v", err), "monitoring")
			atomic.AddInt64(&ms.errorCount, 1)
		}
	}()

	ms.logger.Info(fmt.Sprintf("Monitoring server listening on %s (/health, /metrics, /config, /stats/resources, /stats/goroutines, /debug/pprof/)", listener.Addr()), "monitoring")
	return nil
}

func (ms *MonitoringServer) Addr() string {
	if ms.listener == nil {
		return ""
	}
	return ms.listener.Addr().String()
}

func (ms *MonitoringServer) Stop() error {
	if ms.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(ctx); err != nil {
		ms.logger.Warn(fmt.Sprintf("Error shutting down monitoring server: %v", err), "monitoring")
		return err
	}
	return nil
}

func (ms *MonitoringServer) currentGauges() map[string]int64 {
	if ms.gauges == nil {
		return nil
	}
	return ms.gauges()
}

func (ms *MonitoringServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode monitoring response: %v", err), "monitoring")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (ms *MonitoringServer) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	ms.writeJSON(w, ResourceStats{
		Timestamp:      time.Now().Format(time.RFC3339),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: memStats.HeapAlloc,
		HeapInuseBytes: memStats.HeapInuse,
		HeapObjects:    memStats.HeapObjects,
		NumGC:          memStats.NumGC,
		UptimeSeconds:  int64(time.Since(ms.startTime).Seconds()),
		RequestCount:   atomic.LoadInt64(&ms.requestCount),
		ErrorCount:     atomic.LoadInt64(&ms.errorCount),
		Gauges:         ms.currentGauges(),
	})
}

func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, HealthStatus{
		Status:    "ok",
		Uptime:    time.Since(ms.startTime).Round(time.Second).String(),
		Address:   ms.Addr(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (ms *MonitoringServer) handleGoroutines(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 1<<16)
	stackSize := runtime.Stack(buf, true)

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "Total goroutines: %d\nUptime: %s\n\n", runtime.NumGoroutine(), time.Since(ms.startTime))
	w.Write(buf[:stackSize])
}

func (ms *MonitoringServer) configState() ConfigState {
	return ConfigState{
		LogLevel: ms.logger.GetLogLevel(),
		Configs:  ms.config.GetAllConfigs(),
	}
}

func (ms *MonitoringServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	ms.writeJSON(w, ms.configState())
}

// handleConfigReload re-reads the config file and applies its log_level.
// Other settings take effect when the component next reads them.
func (ms *MonitoringServer) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := ms.config.ReloadConfig(); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to reload config: %v", err), "monitoring")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if level, ok := ms.config.GetConfig("log_level"); ok {
		if err := ms.logger.SetLogLevel(level); err != nil {
			atomic.AddInt64(&ms.errorCount, 1)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ms.logger.Info("Configuration reloaded", "monitoring")
	ms.writeJSON(w, ms.configState())
}

// handleMetrics writes Prometheus text format. Gauge names are prefixed
// with swarm_discovery_.
func (ms *MonitoringServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b strings.Builder
	writeMetric(&b, "goroutines", "gauge", int64(runtime.NumGoroutine()))
	writeMetric(&b, "heap_bytes", "gauge", int64(memStats.HeapAlloc))
	writeMetric(&b, "requests_total", "counter", atomic.LoadInt64(&ms.requestCount))
	writeMetric(&b, "errors_total", "counter", atomic.LoadInt64(&ms.errorCount))
	writeMetric(&b, "uptime_seconds", "gauge", int64(time.Since(ms.startTime).Seconds()))

	gauges := ms.currentGauges()
	names := make([]string, 0, len(gauges))
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeMetric(&b, name, "gauge", gauges[name])
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(b.String()))
}

func writeMetric(b *strings.Builder, name string, kind string, value int64) {
	name = "swarm_discovery_" + name
	fmt.Fprintf(b, "# TYPE %s %s\n%s %d\n", name, kind, name, value)
}
