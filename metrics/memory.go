package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
	"github.com/saiset-co/sai-resilience/utils"
)

// MemoryMetrics keeps every series in process memory. It backs tests and
// deployments without a Prometheus scraper.
type MemoryMetrics struct {
	logger     types.Logger
	labels     map[string]string
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	mu         sync.RWMutex
	running    int32
}

func NewMemoryMetrics(logger types.Logger, config *types.MetricsConfig) *MemoryMetrics {
	m := &MemoryMetrics{
		logger:     logger,
		labels:     make(map[string]string),
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}

	if config != nil {
		for name, value := range config.Labels {
			m.labels[name] = value
		}
	}

	return m
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &MemoryCounter{name: name, labels: m.mergeLabels(labels)}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: m.mergeLabels(labels)}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  m.mergeLabels(labels),
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)+1),
	}
	m.histograms[key] = histogram
	return histogram
}

func (m *MemoryMetrics) Snapshot() []types.MetricValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	values := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))

	for _, c := range m.counters {
		values = append(values, types.MetricValue{Name: c.name, Type: "COUNTER", Value: c.Get(), Labels: c.labels, Timestamp: now})
	}
	for _, g := range m.gauges {
		values = append(values, types.MetricValue{Name: g.name, Type: "GAUGE", Value: g.Get(), Labels: g.labels, Timestamp: now})
	}
	for _, h := range m.histograms {
		values = append(values, types.MetricValue{Name: h.name, Type: "HISTOGRAM", Value: h.GetSum(), Labels: h.labels, Timestamp: now})
	}

	sort.Slice(values, func(i, j int) bool {
		return buildKey(values[i].Name, values[i].Labels) < buildKey(values[j].Name, values[j].Labels)
	})

	return values
}

// Handler serves the snapshot as JSON.
func (m *MemoryMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if err := utils.WriteJSON(ctx, fasthttp.StatusOK, m.Snapshot()); err != nil {
			m.logger.Error("Failed to write metrics", zap.Error(err))
		}
	}
}

func (m *MemoryMetrics) mergeLabels(labels map[string]string) map[string]string {
	merged := make(map[string]string, len(m.labels)+len(labels))
	for name, value := range m.labels {
		merged[name] = value
	}
	for name, value := range labels {
		merged[name] = value
	}
	return merged
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, label := range labelNames(labels) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(label)
		sb.WriteByte('=')
		sb.WriteString(labels[label])
	}
	sb.WriteByte('}')

	return sb.String()
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.value, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.value, -1)
}

func (g *MemoryGauge) Add(value float64) {
	addFloat(&g.value, value)
}

func (g *MemoryGauge) Sub(value float64) {
	addFloat(&g.value, -value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)

	bucketIndex := len(h.buckets)
	for i, bucket := range h.buckets {
		if value <= bucket {
			bucketIndex = i
			break
		}
	}

	atomic.AddUint64(&h.counts[bucketIndex], 1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
