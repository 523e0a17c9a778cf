package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pders01/podds/internal/debuglog"
)

var ErrWorkerStopped = errors.New("sync worker stopped")

// Envelope carries one request to the worker and the channel its single
// reply is delivered on.
type Envelope struct {
	Ctx     context.Context
	Request Request
	reply   chan Reply
}

type Reply struct {
	Response *Response
	Err      error
}

// Worker runs sync passes on its own goroutine, one at a time, so callers
// only ever exchange one request and one reply with it.
type Worker struct {
	runner   Runner
	requests chan Envelope
	quit     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewWorker(runner Runner) *Worker {
	return &Worker{
		runner:   runner,
		requests: make(chan Envelope),
		quit:     make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Stop waits for an in-flight pass to produce its reply, then ends the
// worker goroutine.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case env := <-w.requests:
			env.reply <- w.handle(env)
		}
	}
}

func (w *Worker) handle(env Envelope) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Errorf("sync worker recovered from panic: %v", r)
			reply = Reply{Err: fmt.Errorf("sync pass panicked: %v", r)}
		}
	}()
	return Reply{Response: w.runner.RunSync(env.Ctx, env.Request)}
}

// Do submits req and waits for the aggregated response. ctx bounds only the
// hand-off; once the worker accepted the request Do always waits for its
// reply, and the runner is expected to wind down when ctx ends.
func (w *Worker) Do(ctx context.Context, req Request) (*Response, error) {
	env := Envelope{Ctx: ctx, Request: req, reply: make(chan Reply, 1)}

	select {
	case w.requests <- env:
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r := <-env.reply
	return r.Response, r.Err
}
