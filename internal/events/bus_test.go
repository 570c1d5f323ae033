package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "chunk:p1", Topic(KindChunk, "p1"))
	assert.Equal(t, "done:p1", Topic(KindDone, "p1"))
	assert.Equal(t, "error:p1", Topic(KindError, "p1"))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	var got []any
	unsub := b.Subscribe("done:p1", func(p any) { got = append(got, p) })

	assert.Equal(t, 0, b.Publish("done:p2", "other plan"))
	assert.Equal(t, 1, b.Publish("done:p1", Done{PlanID: "p1", FullText: "x"}))
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].(Done).FullText)

	unsub()
	unsub()
	assert.Equal(t, 0, b.Publish("done:p1", Done{}))
	assert.Equal(t, 0, b.Topics())
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	b := NewBus()
	calls := 0
	var unsub func()
	unsub = b.Subscribe("error:p1", func(any) {
		calls++
		unsub()
	})
	b.Publish("error:p1", Error{})
	b.Publish("error:p1", Error{})
	assert.Equal(t, 1, calls)
}

func TestBus_UnsubscribeOnlyRemovesOwnHandler(t *testing.T) {
	b := NewBus()
	var a, c int
	unsubA := b.Subscribe("chunk:p1", func(any) { a++ })
	b.Subscribe("chunk:p1", func(any) { c++ })

	unsubA()
	b.Publish("chunk:p1", Chunk{})
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, b.Subscribers("chunk:p1"))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	var n atomic.Int64
	unsub := b.Subscribe("chunk:p1", func(any) { n.Add(1) })
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("chunk:p1", Chunk{Seq: j})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), n.Load())
}
