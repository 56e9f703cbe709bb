// Package workerpool runs submitted work items on a resizable set of
// long-lived goroutines that share one bounded FIFO queue.
//
// Submit blocks while the queue is full, so producers slow down instead of
// growing memory without bound. A panicking handler is recovered and logged;
// the worker that ran it moves on to the next item.
//
//	pool := workerpool.New[*Job](64, nil)
//	pool.Start(8)
//	defer pool.Stop()
//
//	if err := pool.Submit(ctx, job, process); err != nil {
//	    // workerpool.ErrPoolStopped or ctx.Err()
//	}
package workerpool
