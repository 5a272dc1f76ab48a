package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

func newTestSink(t *testing.T) (*miniredis.Miniredis, *Sink) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := NewSink(Config{BufferSize: 100, FlushInterval: time.Hour, KeyPrefix: "test:"},
		client, nil, common.ComponentLogger("test"))
	return mr, sink
}

func TestSinkFlushWritesKV(t *testing.T) {
	mr, sink := newTestSink(t)

	sink.Incr("queue.enqueued", 1, map[string]string{"queue": "batch_processing"})
	sink.Gauge("planner.batch_size", 180, nil)
	sink.Timing("pipeline.stage.validation", 0.42, nil)

	sink.flush(context.Background())

	assert.True(t, mr.Exists("test:metrics:queue.enqueued"))
	assert.True(t, mr.Exists("test:metrics:planner.batch_size"))
	assert.True(t, mr.Exists("test:metrics:pipeline.stage.validation"))

	buffered, flushes, dropped := sink.Stats()
	assert.Equal(t, 0, buffered)
	assert.Equal(t, int64(1), flushes)
	assert.Equal(t, int64(0), dropped)
}

func TestSinkExport(t *testing.T) {
	_, sink := newTestSink(t)

	sink.Incr("queue.enqueued", 1, map[string]string{"queue": "emergency"})
	sink.Gauge("backpressure.load_factor", 0.37, nil)

	out := sink.Export()
	assert.Contains(t, out, `queue.enqueued{queue="emergency"} 1`)
	assert.Contains(t, out, "backpressure.load_factor 0.37")

	// Series are emitted sorted by name.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "backpressure.load_factor"))
}

func TestSinkExportKeepsLatestValue(t *testing.T) {
	_, sink := newTestSink(t)

	sink.Gauge("backpressure.load_factor", 0.2, nil)
	sink.Gauge("backpressure.load_factor", 0.8, nil)

	out := sink.Export()
	assert.Contains(t, out, "backpressure.load_factor 0.8")
	assert.NotContains(t, out, "backpressure.load_factor 0.2")
}

func TestSinkTimer(t *testing.T) {
	_, sink := newTestSink(t)

	done := sink.Timer("worker.task.duration", map[string]string{"task_type": "create_batch"})
	time.Sleep(5 * time.Millisecond)
	done()

	out := sink.Export()
	assert.Contains(t, out, `worker.task.duration{task_type="create_batch"}`)
}

func TestSinkRunFlushesOnStop(t *testing.T) {
	mr, sink := newTestSink(t)

	sink.Incr("queue.enqueued", 1, nil)

	go sink.Run(context.Background())
	sink.Stop()

	assert.True(t, mr.Exists("test:metrics:queue.enqueued"))
}
