// Package shutdown provides a once-only activate / once-only shutdown
// lifecycle helper, so a component tears down exactly once and waits on
// its children before reporting itself fully stopped. In this module the
// multiplexer (mux.Mux) is the component that embeds it.
package shutdown

import (
	"context"
	"sync"

	"github.com/edgewire/tunnelclient/internal/logging"
)

// OnceActivateHandler is invoked exactly once, with shutdown paused, to
// activate the object that owns a Helper.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object owning a Helper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// takes completionError as an advisory completion value, actually
	// shuts down, then returns the real completion value.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous
// shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper manages clean asynchronous shutdown for an object implementing
// OnceShutdownHandler.
type Helper struct {
	logging.Logger

	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount int
	activated  bool
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan       chan struct{}
	handlerDoneChan   chan struct{}
	doneChan          chan struct{}

	wg sync.WaitGroup
}

// Init initializes the Helper in place.
func (h *Helper) Init(logger logging.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *Helper) asyncDoStartedShutdown() {
	h.DLogf("->shutdownStarted")
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		h.DLogf("->shutdownHandlerDone")
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.done = true
		h.DLogf("->shutdownDone")
		close(h.doneChan)
	}()
}

// PauseShutdown increments the pause count, preventing shutdown from
// starting until a matching ResumeShutdown.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count and, if it reaches zero and
// shutdown is scheduled, begins it.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	now := h.pauseCount == 0 && h.scheduled && !h.started
	if now {
		h.started = true
	}
	h.Lock.Unlock()
	if now {
		h.asyncDoStartedShutdown()
	}
}

// Activate sets the activated flag. It fails if shutdown has already
// started.
func (h *Helper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.activated {
		if h.started {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.activated = true
	}
	return nil
}

// DoOnceActivate activates the object via onceActivateHandler, guarded by
// a shutdown pause, and tears down again if activation fails.
func (h *Helper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.started {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.pauseCount++
	h.Lock.Unlock()

	err = onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext begins background monitoring of ctx, starting shutdown
// with ctx.Err() if it completes before shutdown otherwise begins.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true once shutdown has begun.
func (h *Helper) IsStartedShutdown() bool { return h.started }

// IsDoneShutdown returns true once shutdown is complete.
func (h *Helper) IsDoneShutdown() bool { return h.done }

// ShutdownStartedChan is closed as soon as shutdown is initiated.
func (h *Helper) ShutdownStartedChan() <-chan struct{} { return h.startedChan }

// ShutdownDoneChan is closed once shutdown is complete.
func (h *Helper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// WaitShutdown blocks until shutdown completes and returns its status.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts shutdown (if not already started), waits for it to
// complete, and returns the final status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. Only the first call has
// an effect.
func (h *Helper) StartShutdown(completionErr error) {
	var now bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		now = h.pauseCount == 0
		h.started = now
	}
	h.Lock.Unlock()
	if now {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory completion status and returns the
// final completion status.
func (h *Helper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}

// AddShutdownChild registers a child to be actively shut down after this
// helper's own HandleOnceShutdown returns, before this helper reports
// itself fully stopped.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
