package chronicle

import (
	"container/heap"
	"time"
)

type retryBatchQueue []*forwardBatch

func newRetryBatchQueue() *retryBatchQueue {
	var q retryBatchQueue
	heap.Init(&q)
	return &q
}

// popRetry returns the earliest batch whose retry time has come.
func (q *retryBatchQueue) popRetry(now time.Time) *forwardBatch {
	if len(*q) == 0 {
		return nil
	}
	if (*q)[0].retryAt.After(now) {
		return nil
	}
	return heap.Pop(q).(*forwardBatch)
}

func (q *retryBatchQueue) pushRetry(retry *forwardBatch) {
	heap.Push(q, retry)
}

func (q *retryBatchQueue) Len() int {
	return len(*q)
}

func (q retryBatchQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q retryBatchQueue) Less(i, j int) bool {
	return q[i].retryAt.Before(q[j].retryAt)
}

func (q *retryBatchQueue) Push(x interface{}) {
	*q = append(*q, x.(*forwardBatch))
}

func (q *retryBatchQueue) Pop() interface{} {
	queueLen := len(*q)
	if queueLen == 0 {
		return nil
	}
	lastItemIndex := queueLen - 1
	item := (*q)[lastItemIndex]
	*q = (*q)[:lastItemIndex]
	return item
}
