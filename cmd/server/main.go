package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/docmend/docmend/internal/archive"
	"github.com/docmend/docmend/internal/config"
	"github.com/docmend/docmend/internal/domain"
	"github.com/docmend/docmend/internal/gateway"
	"github.com/docmend/docmend/internal/platform/docker"
	"github.com/docmend/docmend/internal/platform/queue"
	"github.com/docmend/docmend/internal/platform/web"
	"github.com/docmend/docmend/internal/worker"
	"github.com/docmend/docmend/internal/workflow"
)

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Configuration (explicit, passed by reference, no ambient globals)
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 3. Queue backend (redis or memory, lease recovery included)
	q, err := queue.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize queue backend", "error", err)
		os.Exit(1)
	}

	// 4. Archiver for terminal workflows
	var archiver archive.Archiver
	if cfg.PostgresURL != "" {
		pg, err := archive.NewPostgresArchiver(ctx, cfg.PostgresURL)
		if err != nil {
			slog.Error("Failed to initialize postgres archiver", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		archiver = pg
	} else {
		archiver = archive.NewMemoryArchiver()
	}

	// 5. Sandbox engine (fail-fast: a dead docker daemon stops startup)
	engine, err := docker.NewEngine(ctx, cfg.KillGrace)
	if err != nil {
		slog.Error("Failed to initialize sandbox engine", "error", err)
		os.Exit(1)
	}

	// 6. Correction gateway client
	gw := gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)

	// 7. Workflow service and worker pool
	svc := workflow.NewService(q, cfg.QueueName, cfg.DefaultPolicy(), archiver)
	pool := worker.NewPool(worker.Options{
		WorkerCount:    cfg.WorkerCount,
		MaxInFlight:    cfg.MaxInFlight,
		PerLanguage:    cfg.PerLanguageLimit,
		DequeueTimeout: cfg.DequeueTimeout,
		Limits:         cfg.Limits(),
	}, q, cfg.QueueName, engine, gw, svc.Store())

	if mq, ok := q.(*queue.MemoryQueue); ok && cfg.SyncProcessing {
		// Synchronous mode: tasks execute inline on enqueue; no background
		// workers pull from the queue.
		slog.Info("Running in synchronous processing mode")
		mq.SetSyncHandler(pool.Process)
	} else {
		pool.Start(ctx)
		defer pool.Stop()
	}

	// 8. Event fan-out to websocket clients
	hub := newHub()
	go broadcastEvents(ctx, q, hub)

	// 9. HTTP API
	limiter := web.NewRateLimiter(0.5, 5.0)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows", limiter.Limit(handleSubmit(svc)))
	mux.HandleFunc("GET /api/workflows/{id}", handleStatus(svc, archiver))
	mux.HandleFunc("DELETE /api/workflows/{id}", handleCancel(svc))
	mux.HandleFunc("GET /api/ws", handleWS(hub))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.APIAddr, Handler: enableCORS(mux)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}

// handleSubmit creates a closure to inject the workflow service.
func handleSubmit(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec domain.WorkflowSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(spec.Snippets) == 0 {
			http.Error(w, "At least one snippet is required", http.StatusBadRequest)
			return
		}

		id, err := svc.SubmitWorkflow(r.Context(), spec)
		if err != nil {
			slog.Error("Failed to submit workflow", "error", err)
			http.Error(w, "Failed to submit workflow", http.StatusServiceUnavailable)
			return
		}

		slog.Info("Workflow accepted", "workflowID", id, "snippets", len(spec.Snippets))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"workflow_id": id,
			"status":      string(domain.WorkflowRunning),
		})
	}
}

// handleStatus serves live workflows from the service and terminal ones from
// the archive.
func handleStatus(svc *workflow.Service, archiver archive.Archiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		wf, err := svc.GetWorkflowStatus(id)
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			wf, err = archiver.Load(r.Context(), id)
		}
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			http.Error(w, "Workflow not found", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("Failed to load workflow", "workflowID", id, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wf)
	}
}

func handleCancel(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.CancelWorkflow(r.PathValue("id"))
		w.WriteHeader(http.StatusAccepted)
	}
}

// hub tracks websocket clients by the workflow id they watch.
type hub struct {
	mu      sync.RWMutex
	clients map[string][]*websocket.Conn
}

func newHub() *hub {
	return &hub{clients: make(map[string][]*websocket.Conn)}
}

func (h *hub) add(workflowID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[workflowID] = append(h.clients[workflowID], conn)
}

func (h *hub) remove(workflowID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[workflowID]
	for i, c := range conns {
		if c == conn {
			h.clients[workflowID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.clients[workflowID]) == 0 {
		delete(h.clients, workflowID)
	}
}

func (h *hub) send(ev domain.WorkflowEvent) {
	h.mu.RLock()
	conns := append([]*websocket.Conn(nil), h.clients[ev.WorkflowID]...)
	h.mu.RUnlock()
	for _, conn := range conns {
		if err := conn.WriteJSON(ev); err != nil {
			slog.Error("Failed to write to websocket", "workflowID", ev.WorkflowID, "error", err)
		}
	}
}

// WebSocket upgrader (Gorilla).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

// handleWS upgrades the connection and registers it for one workflow's
// events.
func handleWS(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.URL.Query().Get("workflow_id")
		if workflowID == "" {
			http.Error(w, "workflow_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "error", err)
			return
		}

		slog.Info("Client connected via WebSocket", "workflowID", workflowID, "remoteAddr", conn.RemoteAddr())
		h.add(workflowID, conn)
		defer func() {
			slog.Info("Client disconnected", "workflowID", workflowID)
			h.remove(workflowID, conn)
			conn.Close()
		}()

		// Keep the connection alive until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}

// broadcastEvents forwards workflow events from the queue's broadcast channel
// to connected clients.
func broadcastEvents(ctx context.Context, q domain.TaskQueue, h *hub) {
	slog.Info("Starting event broadcaster...")

	events, err := q.SubscribeEvents(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to events", "error", err)
		os.Exit(1)
	}

	for ev := range events {
		h.send(ev)
	}
}

// enableCORS adds headers to allow requests from a browser frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
