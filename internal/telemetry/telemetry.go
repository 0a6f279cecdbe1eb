package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics in memory and periodically flushes them to the
// log. A disabled collector drops everything.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	enabled  bool
	interval time.Duration
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// maxBuffered triggers an early flush.
const maxBuffered = 100

// NewCollector starts the flush loop when enabled. interval <= 0 means 30s.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		metrics:  make([]Metric, 0),
		enabled:  enabled,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if enabled {
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

func (c *Collector) Enabled() bool { return c.enabled }

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records d in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) addMetric(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if len(c.metrics) >= maxBuffered {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of the buffered metrics.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Snapshot sums buffered values by metric name. Timers and histograms are
// summed too, which is what the agent's metrics endpoint reports.
func (c *Collector) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64)
	for _, m := range c.metrics {
		if m.Type == Gauge {
			out[m.Name] = m.Value
			continue
		}
		out[m.Name] += m.Value
	}
	return out
}

// FlushMetrics drains the buffer into the log at debug level.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := make([]Metric, len(c.metrics))
	copy(metrics, c.metrics)
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("flushing telemetry metrics")
	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown() error {
	c.cancel()
	<-c.done
	return c.FlushMetrics()
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector, shutting down the previous one.
func InitGlobal(enabled bool, interval time.Duration) {
	c := NewCollector(enabled, interval)
	globalMu.Lock()
	prev := globalCollector
	globalCollector = c
	globalMu.Unlock()
	if prev != nil {
		_ = prev.Shutdown()
	}
}

// GetGlobal returns the global collector, a disabled one if InitGlobal was
// never called.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown shuts down the global collector.
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
