package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
)

// actorHealth is the {alive, lastProgressAt, errorCount} shape each
// sub-actor exposes for aggregation.
type actorHealth struct {
	Alive          bool      `json:"alive"`
	LastProgressAt time.Time `json:"lastProgressAt"`
	ErrorCount     int64     `json:"errorCount"`
}

// StatusSnapshot is the Supervisor's aggregated health, the shape
// broadcast on the status subscription endpoint.
type StatusSnapshot struct {
	WorkerID    string                  `json:"workerId"`
	Channel     ConnectionKind          `json:"channel"`
	QueueDepth  int                     `json:"queueDepth"`
	SuccessRate float64                 `json:"successRate"`
	AvgLatency  time.Duration           `json:"avgLatencyNs"`
	Subscriber  actorHealth             `json:"subscriber"`
	Executor    actorHealth             `json:"executor"`
	Poster      actorHealth             `json:"poster"`
	Breakers    map[string]BreakerState `json:"breakers"`
	DeadLetters []domain.DeadLetter     `json:"deadLetters"`
	Generated   time.Time               `json:"generated"`
}

// Supervisor owns the per-dependency circuit breakers, aggregates
// sub-actor health, and broadcasts a status snapshot over a small
// websocket endpoint on every heartbeat tick (and once to each client
// as it connects). State transitions do not trigger a broadcast.
type Supervisor struct {
	cfg      config.SupervisorConfig
	workerID string

	streamBreaker   *CircuitBreaker
	responseBreaker *CircuitBreaker
	hostBreaker     *CircuitBreaker

	subscriber *Subscriber
	executor   *Executor
	poster     *Poster
	queueDepth func() int

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewSupervisor constructs the three dependency breakers up front;
// the caller threads them into the Subscriber/Executor/Poster
// constructors before calling Attach. It also mints a random worker
// instance ID, so logs and status snapshots from several workers
// attached to the same relay (different sessions, or a restarted
// process) can be told apart.
func NewSupervisor(cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		workerID:        uuid.NewString(),
		streamBreaker:   NewCircuitBreaker(cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenCooldown),
		responseBreaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenCooldown),
		hostBreaker:     NewCircuitBreaker(cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenCooldown),
		clients:         make(map[*websocket.Conn]struct{}),
	}
}

func (sv *Supervisor) StreamBreaker() *CircuitBreaker   { return sv.streamBreaker }
func (sv *Supervisor) ResponseBreaker() *CircuitBreaker { return sv.responseBreaker }
func (sv *Supervisor) HostBreaker() *CircuitBreaker     { return sv.hostBreaker }

// WorkerID returns this worker instance's generated identifier.
func (sv *Supervisor) WorkerID() string { return sv.workerID }

// Attach wires the already-constructed sub-actors in for health
// aggregation. queueDepth reports the Executor's current intake
// backlog (the channel the worker wires between Subscriber and
// Executor).
func (sv *Supervisor) Attach(sub *Subscriber, exec *Executor, post *Poster, queueDepth func() int) {
	sv.subscriber = sub
	sv.executor = exec
	sv.poster = post
	sv.queueDepth = queueDepth
}

// Snapshot builds the current StatusSnapshot from the attached actors.
func (sv *Supervisor) Snapshot() StatusSnapshot {
	now := time.Now()
	snap := StatusSnapshot{
		WorkerID:  sv.workerID,
		Generated: now,
		Breakers: map[string]BreakerState{
			"stream":   sv.streamBreaker.State(),
			"response": sv.responseBreaker.State(),
			"host":     sv.hostBreaker.State(),
		},
	}
	if sv.subscriber != nil {
		snap.Channel = sv.subscriber.Kind()
		snap.Subscriber = actorHealth{
			Alive:          sv.subscriber.State() != StateFailed,
			LastProgressAt: sv.subscriber.LastProgress(),
			ErrorCount:     sv.subscriber.ErrorCount(),
		}
	}
	if sv.executor != nil {
		snap.Executor = actorHealth{
			Alive:          true,
			LastProgressAt: sv.executor.LastProgress(),
			ErrorCount:     sv.executor.ErrorCount(),
		}
	}
	if sv.poster != nil {
		snap.Poster = actorHealth{
			Alive:          true,
			LastProgressAt: sv.poster.LastProgress(),
			ErrorCount:     sv.poster.ErrorCount(),
		}
		snap.SuccessRate = sv.poster.SuccessRate()
		snap.AvgLatency = sv.poster.AvgLatency()
		snap.DeadLetters = sv.poster.DeadLetters()
	}
	if sv.queueDepth != nil {
		snap.QueueDepth = sv.queueDepth()
	}
	return snap
}

// Run broadcasts a snapshot every HeartbeatEvery until ctx is
// cancelled, the single stop signal shared by every sub-actor.
func (sv *Supervisor) Run(ctx context.Context) {
	interval := sv.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sv.closeAll()
			return
		case <-ticker.C:
			sv.broadcast(sv.Snapshot())
		}
	}
}

// ServeStatus accepts a websocket connection and streams snapshots
// until the client disconnects or the server shuts the socket down.
func (sv *Supervisor) ServeStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("supervisor: accept status websocket", "error", err)
		return
	}

	sv.mu.Lock()
	sv.clients[conn] = struct{}{}
	sv.mu.Unlock()

	defer func() {
		sv.mu.Lock()
		delete(sv.clients, conn)
		sv.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "status stream closed")
	}()

	if err := sv.writeSnapshot(r.Context(), conn, sv.Snapshot()); err != nil {
		return
	}

	// Block on reads purely to detect client-initiated close; the
	// status channel itself is server push only.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (sv *Supervisor) broadcast(snap StatusSnapshot) {
	sv.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(sv.clients))
	for c := range sv.clients {
		conns = append(conns, c)
	}
	sv.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sv.writeSnapshot(ctx, c, snap)
		cancel()
	}
}

func (sv *Supervisor) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (sv *Supervisor) closeAll() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for c := range sv.clients {
		_ = c.Close(websocket.StatusGoingAway, "worker stopping")
		delete(sv.clients, c)
	}
}
