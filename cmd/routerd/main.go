// Command routerd is the executor daemon: it loads configuration from
// the environment, wires the core components, and serves a small HTTP
// surface (health check, Prometheus metrics, websocket event console)
// while the poll/health loop runs in the background.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/modelrouter/internal/app"
	"github.com/itskum47/modelrouter/internal/appdir"
	"github.com/itskum47/modelrouter/internal/invoker"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/router"
	"github.com/itskum47/modelrouter/internal/scheduler"
	"github.com/itskum47/modelrouter/internal/store"
)

func main() {
	dir, err := appdir.Dir()
	if err != nil {
		log.Fatalf("resolving state directory: %v", err)
	}

	st, err := store.Open(appdir.StorePath(dir))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}

	maxConcurrent := envInt("ROUTERD_MAX_CONCURRENT", 4)
	admissionQPS := envFloat("ROUTERD_ADMISSION_QPS", 5)
	admissionBurst := envInt("ROUTERD_ADMISSION_BURST", 10)

	ctx := context.Background()
	a, err := app.New(ctx, dir, app.Deps{
		Store:      st,
		Classifier: router.NewKeyword(),
		Candidates: defaultCandidateTable(),
		RateConfigs: []ratelimit.ModelConfig{
			{Model: "gpt-planner", MaxRequests: 20, WindowDuration: time.Minute},
			{Model: "gpt-coder", MaxRequests: 40, WindowDuration: time.Minute},
			{Model: "gpt-reviewer", MaxRequests: 20, WindowDuration: time.Minute},
			{Model: "gpt-quick", MaxRequests: 100, WindowDuration: time.Minute},
			{Model: "gpt-vision", MaxRequests: 10, WindowDuration: time.Minute},
			{Model: "local-fallback", MaxRequests: 30, WindowDuration: time.Minute},
		},
		Invokers:       defaultInvokers(),
		SchedulerCfg:   scheduler.Config{MaxConcurrent: maxConcurrent},
		AdmissionQPS:   admissionQPS,
		AdmissionBurst: admissionBurst,
	})
	if err != nil {
		log.Fatalf("wiring app: %v", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.StartExecutor(ctx); err != nil {
		log.Fatalf("starting executor: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", eventsHandler(a))

	addr := envString("ROUTERD_LISTEN_ADDR", ":8099")
	srv := &http.Server{Addr: addr, Handler: mux}

	fmt.Println("==================================================")
	fmt.Println("MODELROUTER EXECUTOR DAEMON")
	fmt.Println("==================================================")
	fmt.Printf("State dir:     %s\n", dir)
	fmt.Printf("Listen addr:   %s\n", addr)
	fmt.Printf("Max concurrent: %d\n", maxConcurrent)
	fmt.Println("==================================================")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
			cancel()
		}
	}()

	log.Printf("routerd listening on %s", addr)
	<-ctx.Done()
	log.Println("shutdown signal received, stopping executor")

	if err := a.StopExecutor(); err != nil {
		log.Printf("stopping executor: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func eventsHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade: %v", err)
			return
		}
		a.Hub.Register(conn)
	}
}

func defaultCandidateTable() router.CandidateTable {
	return router.CandidateTable{
		store.CategoryPlanning:  {"gpt-planner", "local-fallback"},
		store.CategoryReasoning: {"gpt-planner", "gpt-reviewer", "local-fallback"},
		store.CategoryCoding:    {"gpt-coder", "local-fallback"},
		store.CategoryReview:    {"gpt-reviewer", "gpt-coder", "local-fallback"},
		store.CategoryQuick:     {"gpt-quick", "local-fallback"},
		store.CategoryVision:    {"gpt-vision", "local-fallback"},
		store.CategoryImageGen:  {"gpt-vision", "local-fallback"},
	}
}

func defaultInvokers() map[string]invoker.Invoker {
	localURL := envString("ROUTERD_LOCAL_FALLBACK_URL", "http://127.0.0.1:8100/generate")
	httpInv := invoker.NewHTTP(map[string]invoker.HTTPConfig{
		"local-fallback": {URL: localURL},
	})

	processInv := invoker.NewProcess(map[string]invoker.ProcessConfig{
		"gpt-planner":  {Path: envString("ROUTERD_BACKEND_PLANNER", "/usr/local/bin/model-planner"), Args: []string{"{{prompt}}"}},
		"gpt-coder":    {Path: envString("ROUTERD_BACKEND_CODER", "/usr/local/bin/model-coder"), Args: []string{"{{prompt}}"}},
		"gpt-reviewer": {Path: envString("ROUTERD_BACKEND_REVIEWER", "/usr/local/bin/model-reviewer"), Args: []string{"{{prompt}}"}},
		"gpt-quick":    {Path: envString("ROUTERD_BACKEND_QUICK", "/usr/local/bin/model-quick"), Args: []string{"{{prompt}}"}},
		"gpt-vision":   {Path: envString("ROUTERD_BACKEND_VISION", "/usr/local/bin/model-vision"), Args: []string{"{{prompt}}"}},
	})

	return map[string]invoker.Invoker{
		"gpt-planner":    processInv,
		"gpt-coder":      processInv,
		"gpt-reviewer":   processInv,
		"gpt-quick":      processInv,
		"gpt-vision":     processInv,
		"local-fallback": httpInv,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%f", &f); err != nil || f <= 0 {
		return def
	}
	return f
}
