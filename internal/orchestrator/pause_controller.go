package orchestrator

import (
	"context"
	"log"
	"sync"
)

// PauseController holds pause and stop state for a run. Pause holds new
// dispatches; in-flight nodes keep running. Stop is permanent.
type PauseController struct {
	paused  bool
	stopped bool
	mu      sync.Mutex
	// cond is signaled when the controller is resumed or stopped.
	cond *sync.Cond
}

// NewPauseController creates a new PauseController.
func NewPauseController() *PauseController {
	p := &PauseController{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause holds new dispatches until Resume or Stop.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused && !p.stopped {
		p.paused = true
		log.Printf("[orchestrator] paused - no new nodes will be dispatched")
	}
}

// Resume releases a pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		log.Printf("[orchestrator] resumed - node dispatch enabled")
		p.cond.Broadcast()
	}
}

// Stop ends the run after in-flight nodes finish. It unblocks any
// WaitIfPaused calls.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		log.Printf("[orchestrator] stop requested")
		p.cond.Broadcast()
	}
}

// IsPaused returns whether dispatch is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsStopped returns whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// WaitIfPaused blocks while paused. It returns ErrStopped once stopped and
// ctx.Err() if ctx ends first.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused && !p.stopped {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.cond.Wait()
		}
	}
	if p.stopped {
		return ErrStopped
	}
	return ctx.Err()
}
