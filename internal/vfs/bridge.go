package vfs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"cloudfs/internal/cloud"
	"cloudfs/internal/metrics"
)

// readBridge turns a blocking remote read into a bounded wait. Each request
// runs on a worker goroutine that reads into its own buffer and posts the
// result on a one-shot channel; the caller stops waiting after the timeout
// or on cancellation and the worker's late result is dropped.
type readBridge struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *metrics.Metrics
}

type readResult struct {
	data []byte
	err  error
}

func newReadBridge(workers int, timeout time.Duration, m *metrics.Metrics) *readBridge {
	if workers <= 0 {
		workers = 1
	}
	return &readBridge{
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		metrics: m,
	}
}

// read fetches up to size bytes at off from s. The returned slice is owned
// by the caller.
func (b *readBridge) read(cancel <-chan struct{}, s cloud.ReadSession, off int64, size int) ([]byte, error) {
	if s == nil {
		return nil, cloud.Errorf(cloud.KindPrecondition, "pread", "no session")
	}
	if size <= 0 {
		return nil, nil
	}

	ctx, stop := context.WithTimeout(context.Background(), b.timeout)
	defer stop()

	done := make(chan readResult, 1)
	go b.work(ctx, done, s, off, size)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.data, res.err
	case <-timer.C:
		b.metrics.BridgeTimeouts.Inc()
		log.Warnf("[Cloud] remote read off=%d size=%d timed out after %v", off, size, b.timeout)
		return nil, ErrBridgeTimeout
	case <-cancel:
		log.Debugf("[Cloud] remote read off=%d size=%d interrupted", off, size)
		return nil, EINTR
	}
}

func (b *readBridge) work(ctx context.Context, done chan<- readResult, s cloud.ReadSession, off int64, size int) {
	var res readResult
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Cloud] PANIC RECOVERED in remote read: %v\nStack:\n%s", r, debug.Stack())
			res = readResult{err: &cloud.Error{Kind: cloud.KindServer, Op: "pread", Err: fmt.Errorf("panic: %v", r)}}
		}
		done <- res
	}()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		res.err = ErrBridgeTimeout
		return
	}
	defer b.sem.Release(1)

	start := time.Now()
	buf := make([]byte, size)
	n, err := s.PRead(off, size, buf)
	b.metrics.ReadLatency.Observe(time.Since(start).Seconds())
	if n < 0 {
		n = 0
	}
	res = readResult{data: buf[:n], err: err}
}
