package pqm

import (
	"errors"
	"fmt"
	"time"
)

// errLoopStopped is returned by TriggerLoop.Do once the loop has returned.
var errLoopStopped = errors.New("trigger loop is not running")

// StreamStatus reports the state of triggered streaming.
type StreamStatus struct {
	Triggering bool
	Rate       float64 // triggers per second
	Cursor     int
	Triggers   uint64 // successful HandleTrigger calls
	Failures   uint64
	LastError  string
}

// TriggerLoop is the acquisition context of one device. Its goroutine (Run) is the
// only one that touches the Device and Streamer: it services queued control requests
// and, while triggering is on, calls HandleTrigger once per tick.
type TriggerLoop struct {
	streamer       *Streamer
	sink           Sink
	ticker         *time.Ticker
	queuedRequests chan func()
	done           chan struct{}
	status         StreamStatus

	// captureFull, if set, runs in the loop when a push fails with ErrCaptureFull.
	captureFull func()
}

// NewTriggerLoop makes a loop around streamer. Call Run to start servicing it.
func NewTriggerLoop(streamer *Streamer) *TriggerLoop {
	return &TriggerLoop{
		streamer:       streamer,
		queuedRequests: make(chan func()),
		done:           make(chan struct{}),
	}
}

// Run services requests and triggers until abort is closed.
func (tl *TriggerLoop) Run(abort <-chan struct{}) {
	defer close(tl.done)
	defer tl.stopTicker()
	for {
		var tick <-chan time.Time
		if tl.ticker != nil {
			tick = tl.ticker.C
		}

		// Use select to interleave 2 activities that should NOT be done concurrently:
		// 1. Handle requests to change the device (mask, attributes, streaming)
		// 2. Produce one scan per trigger
		select {
		case <-abort:
			return
		case request := <-tl.queuedRequests:
			request()
		case <-tick:
			tl.trigger()
		}
	}
}

// Do runs f in the loop goroutine and waits for it to finish.
func (tl *TriggerLoop) Do(f func()) error {
	finished := make(chan struct{})
	select {
	case tl.queuedRequests <- func() { f(); close(finished) }:
	case <-tl.done:
		return errLoopStopped
	}
	<-finished
	return nil
}

// Status returns a copy of the streaming status. It must be called through Do, or
// after Run has returned.
func (tl *TriggerLoop) Status() StreamStatus {
	s := tl.status
	s.Cursor = tl.streamer.Cursor()
	return s
}

// startTriggering begins calling HandleTrigger rate times per second, pushing to
// sink. Must run in the loop goroutine.
func (tl *TriggerLoop) startTriggering(sink Sink, rate float64) error {
	if sink == nil {
		return fmt.Errorf("triggered streaming needs a sink")
	}
	if rate <= 0 {
		return fmt.Errorf("trigger rate %v: %w", rate, ErrInvalidArgument)
	}
	period := time.Duration(float64(time.Second) / rate)
	if period <= 0 {
		return fmt.Errorf("trigger rate %v is too high: %w", rate, ErrInvalidArgument)
	}
	tl.stopTicker()
	tl.sink = sink
	tl.ticker = time.NewTicker(period)
	tl.status.Triggering = true
	tl.status.Rate = rate
	return nil
}

// setSink changes where triggered scans go without restarting the ticker. Must run
// in the loop goroutine.
func (tl *TriggerLoop) setSink(sink Sink) {
	tl.sink = sink
}

// stopTriggering stops the ticker. Must run in the loop goroutine.
func (tl *TriggerLoop) stopTriggering() {
	tl.stopTicker()
	tl.sink = nil
	tl.status.Triggering = false
}

func (tl *TriggerLoop) stopTicker() {
	if tl.ticker != nil {
		tl.ticker.Stop()
		tl.ticker = nil
	}
}

// trigger handles one trigger event. A failed push leaves the cursor in place, so
// the next tick retries the same offset. A full capture is not a failure: it is
// handed to captureFull, which takes the capture out of the sink.
func (tl *TriggerLoop) trigger() {
	if _, err := tl.streamer.HandleTrigger(tl.sink); err != nil {
		if errors.Is(err, ErrCaptureFull) && tl.captureFull != nil {
			tl.captureFull()
			return
		}
		tl.status.Failures++
		if tl.status.LastError != err.Error() {
			ProblemLogger.Printf("trigger at offset %d failed: %v", tl.streamer.Cursor(), err)
		}
		tl.status.LastError = err.Error()
		return
	}
	tl.status.Triggers++
	tl.status.LastError = ""
}
