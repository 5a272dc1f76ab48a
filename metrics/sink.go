// Package metrics provides the buffered metrics sink. Producers record
// counters, gauges, histograms, and timings through a non-blocking API; a
// background flusher drains the buffer to Redis (sliding-window retention)
// and to the performance_metrics table (long-term). Failures never
// propagate into the hot path.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

// Metric types recorded by the sink.
const (
	TypeCounter   = "counter"
	TypeGauge     = "gauge"
	TypeHistogram = "histogram"
	TypeTiming    = "timing"
	TypeRate      = "rate"
)

// kvRetention is how long flushed entries stay in the Redis sliding window.
const kvRetention = 24 * time.Hour

// entry is a buffered metric observation.
type entry struct {
	Name  string
	Type  string
	Value float64
	Tags  map[string]string
	At    time.Time
}

// Config configures the sink.
type Config struct {
	// BufferSize is the entry cap that triggers a flush.
	BufferSize int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// Sink buffers metric entries and flushes them to Redis and Postgres.
// Safe for concurrent producers.
type Sink struct {
	cfg    Config
	kv     *redis.Client
	store  *db.MetricsStore
	logger *logrus.Entry

	mu      sync.Mutex
	buf     []entry
	flushes int64
	dropped int64

	// latest retains the most recent value per (name, tags) for export.
	latest map[string]entry

	flushLimiter *rate.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSink creates a sink. store may be nil in tests; flushes then go to
// Redis only.
func NewSink(cfg Config, kv *redis.Client, store *db.MetricsStore, logger *logrus.Entry) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Sink{
		cfg:    cfg,
		kv:     kv,
		store:  store,
		logger: logger,
		latest: make(map[string]entry),
		// Durable-store flushes are paced so a hot buffer cannot saturate
		// the database.
		flushLimiter: rate.NewLimiter(rate.Every(time.Second), 2),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run flushes on interval until the context is cancelled or Stop is called.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-s.stopCh:
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// Stop flushes remaining entries and stops the background loop.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Incr records a counter increment.
func (s *Sink) Incr(name string, value float64, tags map[string]string) {
	s.record(name, TypeCounter, value, tags)
}

// Gauge records a point-in-time value.
func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	s.record(name, TypeGauge, value, tags)
}

// Histogram records a distribution sample.
func (s *Sink) Histogram(name string, value float64, tags map[string]string) {
	s.record(name, TypeHistogram, value, tags)
}

// Timing records an elapsed duration in seconds.
func (s *Sink) Timing(name string, seconds float64, tags map[string]string) {
	s.record(name, TypeTiming, seconds, tags)
}

// Rate records a rate observation.
func (s *Sink) Rate(name string, value float64, tags map[string]string) {
	s.record(name, TypeRate, value, tags)
}

// Timer returns a function that records the elapsed time when called.
// Usage: defer sink.Timer("pipeline.stage.validation", tags)()
func (s *Sink) Timer(name string, tags map[string]string) func() {
	start := time.Now()
	return func() {
		s.Timing(name, time.Since(start).Seconds(), tags)
	}
}

func (s *Sink) record(name, typ string, value float64, tags map[string]string) {
	e := entry{Name: name, Type: typ, Value: value, Tags: tags, At: time.Now().UTC()}

	s.mu.Lock()
	s.latest[seriesKey(name, tags)] = e
	if len(s.buf) >= s.cfg.BufferSize*2 {
		// Hard cap: under sustained flush failure, drop rather than grow.
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, e)
	full := len(s.buf) >= s.cfg.BufferSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
}

// flush drains the buffer to both backends best-effort. Entries that fail
// the durable write are returned to the buffer, bounded by the hard cap.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.flushes++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.flushKV(ctx, batch); err != nil {
		s.logger.WithError(err).Warn("metrics KV flush failed")
		s.Incr("metrics.flush_errors", 1, map[string]string{"backend": "redis"})
	}

	if s.store != nil && s.flushLimiter.Allow() {
		records := make([]db.MetricRecord, 0, len(batch))
		for _, e := range batch {
			records = append(records, db.MetricRecord{
				Name: e.Name, MetricType: e.Type, Value: e.Value,
				Tags: e.Tags, RecordedAt: e.At,
			})
		}
		if err := s.store.InsertBatch(ctx, records); err != nil {
			s.logger.WithError(err).Warn("metrics durable flush failed")
			s.requeue(batch)
		}
	}
}

func (s *Sink) flushKV(ctx context.Context, batch []entry) error {
	if s.kv == nil {
		return nil
	}
	pipe := s.kv.Pipeline()
	cutoff := float64(time.Now().Add(-kvRetention).UnixMilli())
	for _, e := range batch {
		key := s.cfg.KeyPrefix + "metrics:" + e.Name
		member := fmt.Sprintf("%d:%f:%s", e.At.UnixMilli(), e.Value, formatTags(e.Tags))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.At.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff))
		pipe.Expire(ctx, key, kvRetention)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Sink) requeue(batch []entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.cfg.BufferSize*2 - len(s.buf)
	if room <= 0 {
		s.dropped += int64(len(batch))
		return
	}
	if len(batch) > room {
		s.dropped += int64(len(batch) - room)
		batch = batch[:room]
	}
	s.buf = append(s.buf, batch...)
}

// Export renders the latest value of every series in text format:
// name{k="v",...} value timestamp_ms
func (s *Sink) Export() string {
	s.mu.Lock()
	series := make([]entry, 0, len(s.latest))
	for _, e := range s.latest {
		series = append(series, e)
	}
	s.mu.Unlock()

	sort.Slice(series, func(i, j int) bool {
		if series[i].Name != series[j].Name {
			return series[i].Name < series[j].Name
		}
		return formatTags(series[i].Tags) < formatTags(series[j].Tags)
	})

	var b strings.Builder
	for _, e := range series {
		b.WriteString(e.Name)
		if len(e.Tags) > 0 {
			b.WriteString("{")
			b.WriteString(formatTags(e.Tags))
			b.WriteString("}")
		}
		fmt.Fprintf(&b, " %g %d\n", e.Value, e.At.UnixMilli())
	}
	return b.String()
}

// Stats returns flush and drop counters for diagnostics.
func (s *Sink) Stats() (buffered int, flushes, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf), s.flushes, s.dropped
}

func seriesKey(name string, tags map[string]string) string {
	return name + "|" + formatTags(tags)
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, tags[k]))
	}
	return strings.Join(parts, ",")
}
