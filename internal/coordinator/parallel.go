package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/lunarbay/scriptmill/internal/stage"
)

// TaskFunc is one unit of work for RunParallel.
type TaskFunc func(ctx context.Context) (*stage.Result, error)

// RunParallel fans tasks out concurrently and waits for all to settle.
// A failing task never cancels its siblings; its error is captured as a
// failed result instead of being returned.
func (c *Coordinator) RunParallel(ctx context.Context, tasks map[string]TaskFunc) map[string]*stage.Result {
	results := make(map[string]*stage.Result, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, fn := range tasks {
		wg.Add(1)
		go func(name string, fn TaskFunc) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					results[name] = stage.Failed(name, stage.FailureUnknown, fmt.Sprintf("panic: %v", r))
					mu.Unlock()
				}
			}()

			res, err := fn(ctx)
			if err != nil {
				res = stage.Failed(name, stage.FailureTool, err.Error())
			} else if res == nil {
				res = stage.Failed(name, stage.FailureUnknown, "task returned no result")
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()
	return results
}
