package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue_OrdersByPriority(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("delete", 10)
	pq.Enqueue("upload", 1)
	pq.Enqueue("download", 5)

	v, ok := pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "upload", v)

	v, ok = pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "download", v)

	v, ok = pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "delete", v)

	_, ok = pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_EqualPrioritiesKeepInsertionOrder(t *testing.T) {
	pq := NewPriorityQueue[string]()
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		pq.Enqueue(name, 0)
	}
	pq.Enqueue("stale.jpg", 1)
	pq.Enqueue("f.jpg", 0)

	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg", "f.jpg", "stale.jpg"}, drain(pq))
	assert.Equal(t, 0, pq.Len())
}

func TestPriorityQueue_ConcurrentUse(t *testing.T) {
	pq := NewPriorityQueue[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			pq.Enqueue(v, v%3)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, pq.Len())

	seen := make(chan int, 50)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := pq.Dequeue()
				if !ok {
					return
				}
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	assert.Len(t, seen, 50)
	assert.Equal(t, 0, pq.Len())
}

func drain[T any](pq *PriorityQueue[T]) []T {
	var values []T
	for {
		v, ok := pq.Dequeue()
		if !ok {
			return values
		}
		values = append(values, v)
	}
}
