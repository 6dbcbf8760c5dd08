package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func popAll(q *Queue) []string {
	var ids []string
	for {
		item, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, item.RunID)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(&WorkItem{RunID: "A", Priority: 2})
	q.Push(&WorkItem{RunID: "B", Priority: 1})
	q.Push(&WorkItem{RunID: "C", Priority: 2})

	assert.Equal(t, []string{"B", "A", "C"}, popAll(q))
}

func TestQueue_ManyPriorities(t *testing.T) {
	q := NewQueue()
	for i, p := range []int{3, 1, 2, 1, 3, 2} {
		q.Push(&WorkItem{RunID: string(rune('a' + i)), Priority: p})
	}
	assert.Equal(t, []string{"b", "d", "c", "f", "a", "e"}, popAll(q))
}

func TestQueue_ExplicitSequence(t *testing.T) {
	q := NewQueue()
	q.Push(&WorkItem{RunID: "late", Priority: 1, Sequence: 20})
	q.Push(&WorkItem{RunID: "early", Priority: 1, Sequence: 10})
	q.Push(&WorkItem{RunID: "auto", Priority: 1})

	assert.Equal(t, []string{"early", "late", "auto"}, popAll(q))
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	q.Push(&WorkItem{RunID: "A", Priority: 1})
	q.Push(&WorkItem{RunID: "B", Priority: 1})
	q.Push(&WorkItem{RunID: "C", Priority: 1})

	item, ok := q.Remove("B")
	require.True(t, ok)
	assert.Equal(t, "B", item.RunID)

	_, ok = q.Remove("B")
	assert.False(t, ok)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"A", "C"}, popAll(q))
}

func TestQueue_ReadySignal(t *testing.T) {
	q := NewQueue()
	select {
	case <-q.Ready():
		t.Fatal("ready before push")
	default:
	}

	q.Push(&WorkItem{RunID: "A"})
	q.Push(&WorkItem{RunID: "B"})

	<-q.Ready()
	_, ok := q.Pop()
	require.True(t, ok)

	// The pop saw remaining work and re-armed the signal.
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal while items remain")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue()
	q.Push(&WorkItem{RunID: "A", Priority: 2})
	q.Push(&WorkItem{RunID: "B", Priority: 1})

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "B", drained[0].RunID)
	assert.Zero(t, q.Len())
}
