package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
)

// SubscriberState is the Subscriber's externally observable lifecycle
// state, reported to the Supervisor for health aggregation.
type SubscriberState string

const (
	StateDisconnected SubscriberState = "disconnected"
	StateConnecting   SubscriberState = "connecting"
	StateConnected    SubscriberState = "connected"
	StateDegraded     SubscriberState = "degraded"
	StateReconnecting SubscriberState = "reconnecting"
	StateFailed       SubscriberState = "failed"
)

// ConnectionKind is which channel is currently delivering requests.
type ConnectionKind string

const (
	KindStream  ConnectionKind = "stream"
	KindPolling ConnectionKind = "polling"
)

// Subscriber maintains the inbound event channel and yields
// RequestEnvelopes to the Executor in delivery order. It runs as a
// single goroutine; all state transitions happen on that goroutine
// except the heartbeat watchdog's switch to Degraded, which runs on its
// timer goroutine. State and kind are atomics, so no further locking
// is needed for the other actors that read them for health reporting.
type Subscriber struct {
	client  *relayClient
	cfg     config.ReconnectConfig
	out     chan domain.RequestEnvelope
	dedup   *dedupSet
	rng     *rand.Rand
	breaker *CircuitBreaker // guards the stream endpoint dependency, owned by the Supervisor

	state         atomic.Value // SubscriberState
	kind          atomic.Value // ConnectionKind
	lastProgress  atomic.Int64 // unix nanos
	errorCount    atomic.Int64
	failureStreak int
}

// NewSubscriber builds a Subscriber that delivers envelopes on the
// returned channel. The channel is generously buffered: delivery is
// documented as unbounded, bounded in practice by the relay's own
// rate limit on enqueued requests. breaker guards the stream endpoint
// and is shared with the Supervisor's health snapshot.
func NewSubscriber(baseURL, code string, cfg config.ReconnectConfig, breaker *CircuitBreaker) (*Subscriber, <-chan domain.RequestEnvelope) {
	out := make(chan domain.RequestEnvelope, 4096)
	s := &Subscriber{
		client:  newRelayClient(baseURL, code),
		cfg:     cfg,
		out:     out,
		dedup:   newDedupSet(cfg.DedupSetSize),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		breaker: breaker,
	}
	s.state.Store(StateDisconnected)
	s.kind.Store(KindStream)
	s.lastProgress.Store(time.Now().UnixNano())
	return s, out
}

func (s *Subscriber) State() SubscriberState  { return s.state.Load().(SubscriberState) }
func (s *Subscriber) Kind() ConnectionKind    { return s.kind.Load().(ConnectionKind) }
func (s *Subscriber) LastProgress() time.Time { return time.Unix(0, s.lastProgress.Load()) }
func (s *Subscriber) ErrorCount() int64       { return s.errorCount.Load() }

func (s *Subscriber) setState(st SubscriberState) { s.state.Store(st) }
func (s *Subscriber) touch()                      { s.lastProgress.Store(time.Now().UnixNano()) }

// Run drives the Subscriber until ctx is cancelled, the single stop
// signal the Supervisor issues to every sub-actor.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.out)

	for ctx.Err() == nil {
		switch s.Kind() {
		case KindStream:
			s.runStreamSession(ctx)
		case KindPolling:
			s.runPollingSession(ctx)
		}
	}
}

// runStreamSession opens one SSE connection and reads frames until it
// closes (gracefully, by relay timeout, or by error), then applies the
// reconnect/backoff policy before returning control to Run.
func (s *Subscriber) runStreamSession(ctx context.Context) {
	s.setState(StateConnecting)

	if !s.breaker.Allow() {
		s.onStreamFailure(ctx, nil)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := s.client.OpenStream(sessCtx)
	if err != nil {
		s.breaker.RecordFailure()
		s.onStreamFailure(ctx, err)
		return
	}
	defer resp.Body.Close()

	var watchdogOnce sync.Once
	watchdog := time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		watchdogOnce.Do(func() {
			slog.Warn("subscriber heartbeat lost, forcing reconnect")
			s.setState(StateDegraded)
			cancel()
		})
	})
	defer watchdog.Stop()

	graceful := s.readFrames(sessCtx, resp, watchdog)
	cancel()

	if graceful {
		s.failureStreak = 0
		s.breaker.RecordSuccess()
		s.setState(StateReconnecting)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.breaker.RecordFailure()
	s.onStreamFailure(ctx, nil)
}

// readFrames parses SSE frames off resp.Body and delivers tool-request
// envelopes. It returns true on a graceful server-initiated close
// (connection dropped or relay's own stream deadline), false on an
// error or heartbeat-loss cancellation.
func (s *Subscriber) readFrames(ctx context.Context, resp *http.Response, watchdog *time.Timer) bool {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event, data string
	connected := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "" {
				continue
			}
			s.touch()
			watchdog.Reset(s.cfg.HeartbeatTimeout)

			switch event {
			case "connected":
				connected = true
				s.setState(StateConnected)
			case "heartbeat":
				// progress only; nothing to deliver.
			case "tool-request":
				s.deliver(data)
			case "timeout":
				event, data = "", ""
				return true
			}
			event, data = "", ""
		}
	}
	return connected && scanner.Err() == nil
}

func (s *Subscriber) deliver(data string) {
	var env domain.RequestEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		slog.Error("subscriber: decode tool-request frame", "error", err)
		return
	}
	if s.dedup.SeenOrAdd(env.ID) {
		return
	}
	s.out <- env
}

// onStreamFailure records the failure, trips the breaker bookkeeping,
// and either schedules a backoff-delayed retry or gives up on
// streaming entirely in favor of polling.
func (s *Subscriber) onStreamFailure(ctx context.Context, err error) {
	if err != nil {
		slog.Warn("subscriber stream failed", "error", err)
	}
	s.errorCount.Add(1)
	s.failureStreak++

	if s.failureStreak >= s.cfg.MaxFailures {
		slog.Warn("subscriber exceeded max stream failures, switching to polling", "failures", s.failureStreak)
		s.setState(StateFailed)
		s.kind.Store(KindPolling)
		return
	}

	s.setState(StateReconnecting)
	delay := s.backoffDelay(s.failureStreak)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// backoffDelay computes the exponential-with-jitter delay for the
// given attempt count, capped at cfg.CapDelay.
func (s *Subscriber) backoffDelay(attempt int) time.Duration {
	d := float64(s.cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= s.cfg.Factor
	}
	if capDelay := float64(s.cfg.CapDelay); d > capDelay {
		d = capDelay
	}
	jitter := d * s.cfg.Jitter * (s.rng.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// runPollingSession polls the request-drain endpoint at cfg.PollInterval
// while periodically probing the stream endpoint; a successful probe
// drains the dedup set and hands control back to stream mode.
func (s *Subscriber) runPollingSession(ctx context.Context) {
	s.setState(StateDegraded)

	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	probeTicker := time.NewTicker(s.cfg.StreamRetryPeriod)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			envs, err := s.client.PollRequests(ctx)
			if err != nil {
				s.errorCount.Add(1)
				slog.Warn("subscriber poll failed", "error", err)
				continue
			}
			s.touch()
			for _, env := range envs {
				if s.dedup.SeenOrAdd(env.ID) {
					continue
				}
				s.out <- env
			}
		case <-probeTicker.C:
			if s.probeStream(ctx) {
				s.dedup.Reset()
				s.failureStreak = 0
				s.kind.Store(KindStream)
				s.setState(StateReconnecting)
				return
			}
		}
	}
}

// probeStream attempts a single stream connection just far enough to
// observe the "connected" frame, then closes it. A real reconnection
// happens on the next Run iteration once we've switched kind back to
// stream, so this probe never delivers envelopes itself.
func (s *Subscriber) probeStream(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.BaseDelay*4)
	defer cancel()

	resp, err := s.client.OpenStream(probeCtx)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: connected") {
			return true
		}
	}
	return false
}
