package detect

import (
	"fmt"
	"testing"
	"time"

	"bastion/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferEvent(source, code string, ts time.Time) *core.Event {
	ev := core.NewEvent()
	ev.SourceIdentifier = source
	ev.EventCode = code
	ev.Timestamp = ts
	return ev
}

func TestWindowBuffer_AppendAndQuery(t *testing.T) {
	w := NewWindowBuffer(time.Hour, 100)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w.Append(bufferEvent("host-a", "4624", base))
	w.Append(bufferEvent("host-a", "4625", base.Add(time.Minute)))
	w.Append(bufferEvent("host-b", "4625", base.Add(2*time.Minute)))

	assert.Equal(t, 3, w.Len())

	failed := w.Query(base, func(ev *core.Event) bool { return ev.EventCode == "4625" })
	assert.Len(t, failed, 2)

	hostA := w.QueryKey("host-a", base, nil)
	assert.Len(t, hostA, 2)
}

func TestWindowBuffer_SinceBoundary(t *testing.T) {
	w := NewWindowBuffer(time.Hour, 100)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w.Append(bufferEvent("h", "1", base))
	w.Append(bufferEvent("h", "1", base.Add(5*time.Minute)))

	// An event exactly at since is included.
	assert.Len(t, w.Query(base, nil), 2)
	assert.Len(t, w.Query(base.Add(time.Second), nil), 1)
	assert.Empty(t, w.Query(base.Add(10*time.Minute), nil))
}

func TestWindowBuffer_LazyEvictionByAge(t *testing.T) {
	w := NewWindowBuffer(10*time.Minute, 100)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w.Append(bufferEvent("h", "1", base))
	w.Append(bufferEvent("h", "1", base.Add(time.Minute)))
	// This insert pushes the first event past the retention horizon.
	w.Append(bufferEvent("h", "1", base.Add(11*time.Minute)))

	events := w.QueryKey("h", time.Time{}, nil)
	require.Len(t, events, 2)
	assert.Equal(t, base.Add(time.Minute), events[0].Timestamp)
}

func TestWindowBuffer_MaxPerKeyOldestFirst(t *testing.T) {
	w := NewWindowBuffer(time.Hour, 3)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		w.Append(bufferEvent("h", fmt.Sprintf("%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	events := w.QueryKey("h", time.Time{}, nil)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].EventCode)
	assert.Equal(t, "4", events[2].EventCode)
}

func TestWindowBuffer_MissingSourceFallsBackToUnknownKey(t *testing.T) {
	w := NewWindowBuffer(time.Hour, 10)
	w.Append(bufferEvent("", "1", time.Now().UTC()))
	assert.Len(t, w.QueryKey("unknown", time.Time{}, nil), 1)
}

func TestWindowBuffer_ConcurrentAppendAndScan(t *testing.T) {
	w := NewWindowBuffer(time.Hour, 10000)
	base := time.Now().UTC()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			w.Append(bufferEvent("h", "4625", base.Add(time.Duration(i)*time.Millisecond)))
		}
	}()

	for i := 0; i < 100; i++ {
		_ = w.Query(base, func(ev *core.Event) bool { return ev.EventCode == "4625" })
	}
	<-done

	assert.Equal(t, 1000, w.Len())
}
