package observability

import (
	"sync"
	"time"

	"orderflow/internal/saga"
)

type MessageSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec      int64                      `json:"uptime_sec"`
	TotalMessages  int64                      `json:"total_messages"`
	TotalErrors    int64                      `json:"total_errors"`
	InFlight       int64                      `json:"in_flight"`
	Published      map[string]int64           `json:"published"`
	Transitions    map[string]int64           `json:"transitions"`
	Rejections     int64                      `json:"rejections"`
	BreakerOpens   int64                      `json:"breaker_opens"`
	Messages       map[string]MessageSnapshot `json:"messages"`
}

type messageStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics tracks message handling, saga transitions, rejections, and
// circuit breaker opens for the /metrics snapshot.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	messages     map[string]*messageStats
	published    map[string]int64
	transitions  map[saga.State]int64
	rejections   int64
	breakerOpens int64
}

// HandleSpan measures one message handling call.
type HandleSpan struct {
	metrics *Metrics
	msgType string
	start   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		messages:    make(map[string]*messageStats),
		published:   make(map[string]int64),
		transitions: make(map[saga.State]int64),
	}
}

// Start begins a handling span for one consumed message type.
func (m *Metrics) Start(msgType string) *HandleSpan {
	if m == nil {
		return &HandleSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMessage(msgType)
	stats.inFlight++
	m.mu.Unlock()
	return &HandleSpan{
		metrics: m,
		msgType: msgType,
		start:   time.Now(),
	}
}

func (s *HandleSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.msgType, dur, err != nil)
}

// AddPublished counts one published message of the given type.
func (m *Metrics) AddPublished(msgType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.published[msgType]++
	m.mu.Unlock()
}

// AddTransition counts one applied saga transition.
func (m *Metrics) AddTransition(to saga.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transitions[to]++
	m.mu.Unlock()
}

// AddRejection counts one dropped message.
func (m *Metrics) AddRejection() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejections++
	m.mu.Unlock()
}

// AddBreakerOpen counts one circuit breaker trip.
func (m *Metrics) AddBreakerOpen() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakerOpens++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:    int64(now.Sub(m.start).Seconds()),
		Messages:     make(map[string]MessageSnapshot),
		Published:    make(map[string]int64, len(m.published)),
		Transitions:  make(map[string]int64, len(m.transitions)),
		Rejections:   m.rejections,
		BreakerOpens: m.breakerOpens,
	}

	for msgType, count := range m.published {
		snap.Published[msgType] = count
	}
	for state, count := range m.transitions {
		snap.Transitions[string(state)] = count
	}

	for msgType, stats := range m.messages {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Messages[msgType] = MessageSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalMessages += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	return snap
}

func (m *Metrics) ensureMessage(msgType string) *messageStats {
	stats, ok := m.messages[msgType]
	if !ok {
		stats = &messageStats{}
		m.messages[msgType] = stats
	}
	return stats
}

func (m *Metrics) finish(msgType string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMessage(msgType)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
