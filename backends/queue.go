package backends

import (
	"fmt"
	"sync"

	"gorgonia.org/tensor"
)

// InferenceResult is delivered to the queue callback when a request
// completes. UserData is the value passed at submission, so the caller can
// associate a completion with its originating input.
type InferenceResult struct {
	Outputs  map[string]*tensor.Dense
	UserData any
	Err      error
}

// Callback is invoked on a worker goroutine when a request completes.
// Invocation order is unspecified and need not match submission order.
type Callback func(result InferenceResult)

type inferenceRequest struct {
	inputs   map[string]*tensor.Dense
	userData any
}

// InferenceQueue dispatches inference requests to a pool of workers without
// waiting for completion. The compiled model is shared read only between
// workers; WaitAll is the only synchronization barrier.
type InferenceQueue struct {
	model    CompiledModel
	callback Callback
	requests chan inferenceRequest
	workers  sync.WaitGroup
	inflight sync.WaitGroup
	mutex    sync.Mutex
	closed   bool
}

// NewInferenceQueue starts numWorkers workers running requests against the
// compiled model. callback fires once per submitted request.
func NewInferenceQueue(model CompiledModel, numWorkers int, callback Callback) (*InferenceQueue, error) {
	if model == nil {
		return nil, fmt.Errorf("inference queue requires a compiled model")
	}
	if numWorkers <= 0 {
		return nil, fmt.Errorf("inference queue requires at least one worker, got %d", numWorkers)
	}
	if callback == nil {
		return nil, fmt.Errorf("inference queue requires a completion callback")
	}
	q := &InferenceQueue{
		model:    model,
		callback: callback,
		requests: make(chan inferenceRequest, numWorkers),
	}
	for range numWorkers {
		q.workers.Add(1)
		go q.worker()
	}
	return q, nil
}

func (q *InferenceQueue) worker() {
	defer q.workers.Done()
	for request := range q.requests {
		outputs, err := q.model.Run(request.inputs)
		q.callback(InferenceResult{
			Outputs:  outputs,
			UserData: request.userData,
			Err:      err,
		})
		q.inflight.Done()
	}
}

// Submit dispatches one request. It may block briefly when all workers are
// busy and the dispatch buffer is full, but never waits for completion.
// Submitting to a closed queue returns an error instead of dispatching.
func (q *InferenceQueue) Submit(inputs map[string]*tensor.Dense, userData any) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return fmt.Errorf("inference queue is closed")
	}
	q.inflight.Add(1)
	q.requests <- inferenceRequest{inputs: inputs, userData: userData}
	return nil
}

// WaitAll blocks the submitting thread until the callback has been invoked
// for every outstanding request.
func (q *InferenceQueue) WaitAll() {
	q.inflight.Wait()
}

// Close stops the workers. Pending requests are drained first; closing twice
// is a no-op.
func (q *InferenceQueue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	close(q.requests)
	q.mutex.Unlock()
	q.workers.Wait()
}
