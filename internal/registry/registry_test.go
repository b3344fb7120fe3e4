package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

func TestGetOrCreateIsAtomic(t *testing.T) {
	m := NewMap[string, *Buffer]()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		seen    sync.Map
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, ok := m.GetOrCreate("root", func() *Buffer { return NewBuffer(protocol.TaskSpeechToText) })
			if ok {
				created.Add(1)
			}
			seen.Store(b, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	count := 0
	seen.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, m.Len())
}

func TestCompareAndDelete(t *testing.T) {
	m := NewMap[string, *Record]()
	first := &Record{Attempts: 1}
	second := &Record{Attempts: 1}

	m.Store("unit", first)
	assert.False(t, m.CompareAndDelete("unit", second))
	assert.True(t, m.CompareAndDelete("unit", first))
	assert.False(t, m.CompareAndDelete("unit", first))

	_, ok := m.Load("unit")
	assert.False(t, ok)
}

func TestLoadAndDeleteAndAll(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	v, ok := m.LoadAndDelete("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.LoadAndDelete("b")
	assert.False(t, ok)

	sum := 0
	for k, v := range m.All() {
		sum += v
		m.Delete(k)
	}
	assert.Equal(t, 4, sum)
	assert.Zero(t, m.Len())
}

func TestRegistryStats(t *testing.T) {
	r := New()
	r.Buffers.GetOrCreate("root", func() *Buffer { return NewBuffer(protocol.TaskTextToSpeech) })
	r.Records.Store("u1", &Record{Attempts: 1})
	r.Records.Store("u2", &Record{Attempts: 2})

	assert.Equal(t, Stats{ActiveBuffers: 1, TrackedUnits: 2}, r.Stats())

	b, _ := r.Buffers.Load("root")
	assert.Equal(t, 1, b.NextExpected)
	assert.Equal(t, protocol.TaskTextToSpeech, b.Task)
}
