/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package sequence implements the finite-state engine driving an
// acquisition scan from idle through completion or error. The engine is
// single-writer: events are processed to completion strictly one at a
// time, and the transition function is one auditable switch.
package sequence

import (
	"context"
	"errors"
	"sync"

	"detlab.org/xray/go-fpd/pkg/framebuf"
	"detlab.org/xray/go-fpd/pkg/log"
)

const (
	// MaxRetries bounds how many times an error may be cleared before
	// the Error state becomes terminal
	MaxRetries = 3

	// EventChSize is the size of the engine event queue
	EventChSize = 64
)

var (
	// ErrInvalidTransition is returned for an event that is not valid in
	// the current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("event not valid in current state")
	// ErrPermanentFailure is returned for ErrorCleared once the retry
	// bound is exhausted. The engine stays in Error until Reset.
	ErrPermanentFailure = errors.New("retry bound exhausted, error state is terminal")
)

type State int

const (
	Idle State = iota
	Configure
	Arm
	Scanning
	Streaming
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configure:
		return "configure"
	case Arm:
		return "arm"
	case Scanning:
		return "scanning"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Mode is the active scan mode.
type Mode int

const (
	SingleMode Mode = iota
	ContinuousMode
	CalibrationMode
)

func (m Mode) String() string {
	switch m {
	case SingleMode:
		return "single"
	case ContinuousMode:
		return "continuous"
	case CalibrationMode:
		return "calibration"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name to its Mode value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "single":
		return SingleMode, nil
	case "continuous":
		return ContinuousMode, nil
	case "calibration":
		return CalibrationMode, nil
	}
	return SingleMode, errors.New("wrong scan mode. Must be one of: single, continuous, calibration")
}

type EventType int

const (
	EvStartScan EventType = iota
	EvConfigDone
	EvArmDone
	EvFrameReady
	EvStopScan
	EvError
	EvErrorCleared
	EvComplete
)

func (e EventType) String() string {
	switch e {
	case EvStartScan:
		return "start-scan"
	case EvConfigDone:
		return "config-done"
	case EvArmDone:
		return "arm-done"
	case EvFrameReady:
		return "frame-ready"
	case EvStopScan:
		return "stop-scan"
	case EvError:
		return "error"
	case EvErrorCleared:
		return "error-cleared"
	case EvComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is one input to the engine.
type Event struct {
	Type EventType
	// Mode accompanies StartScan
	Mode Mode
	// FrameID accompanies FrameReady
	FrameID uint32

	// reply, when set by Apply, receives the Handle result
	reply chan error
}

// Hardware is the register-access surface the engine drives through its
// callbacks. Implemented by pkg/device.
type Hardware interface {
	// Configure programs the panel for mode. In calibration mode the
	// physical exposure signal is suppressed.
	Configure(mode Mode, suppressExposure bool) error
	Arm() error
	Stop() error
}

// Engine drives the acquisition lifecycle. Events are applied under one
// mutex so they are processed strictly one at a time; Run consumes the
// queued events from a single goroutine.
type Engine struct {
	mu      sync.RWMutex
	state   State
	mode    Mode
	retries int

	hw      Hardware
	buffers *framebuf.Manager

	boundFrame uint32
	hasBound   bool

	events chan Event
}

func New(hw Hardware, buffers *framebuf.Manager) *Engine {
	return &Engine{
		state:   Idle,
		hw:      hw,
		buffers: buffers,
		events:  make(chan Event, EventChSize),
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Mode returns the active scan mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Retries returns the current retry counter.
func (e *Engine) Retries() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retries
}

// Post queues an event for the engine loop without waiting for its
// outcome. It never blocks the caller beyond the queue capacity.
func (e *Engine) Post(ev Event) {
	e.events <- ev
}

// Apply queues an event for the engine loop and waits for its result.
// The loop started by Run must be active or Apply blocks.
func (e *Engine) Apply(ev Event) error {
	ev.reply = make(chan error, 1)
	e.events <- ev
	return <-ev.reply
}

// Run consumes queued events one at a time until the context is done.
// Results of Apply-submitted events go back to the submitter; rejected
// fire-and-forget events are only logged.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			err := e.Handle(ev)
			if ev.reply != nil {
				ev.reply <- err
				continue
			}
			if err != nil {
				log.Warning("Sequence event %s in state %s: %s", ev.Type, e.State(), err)
			}
		}
	}
}

// Handle applies one event to the engine. Invalid events are rejected
// with ErrInvalidTransition and leave the state unchanged.
//
// Handle is safe for concurrent use but production callers go through
// Apply or Post so events flow through the Run loop in queue order.
func (e *Engine) Handle(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Error and StopScan cut across the per-state table.
	switch event.Type {
	case EvError:
		log.Warning("Hardware error reported in state %s, retry counter: %d", e.state, e.retries+1)
		e.discardInFlight()
		e.state = Error
		e.retries++
		return nil
	case EvStopScan:
		switch e.state {
		case Idle:
			return nil
		case Error:
			return ErrInvalidTransition
		}
		e.discardInFlight()
		e.enterIdle()
		if err := e.hw.Stop(); err != nil {
			return e.fault(err)
		}
		return nil
	}

	switch e.state {
	case Idle:
		if event.Type != EvStartScan {
			return ErrInvalidTransition
		}
		e.mode = event.Mode
		e.state = Configure
		log.Info("Starting %s scan", e.mode)
		if err := e.hw.Configure(e.mode, e.mode == CalibrationMode); err != nil {
			return e.fault(err)
		}
		return nil

	case Configure:
		if event.Type != EvConfigDone {
			return ErrInvalidTransition
		}
		e.state = Arm
		if err := e.hw.Arm(); err != nil {
			return e.fault(err)
		}
		return nil

	case Arm:
		if event.Type != EvArmDone {
			return ErrInvalidTransition
		}
		e.state = Scanning
		return nil

	case Scanning:
		if event.Type != EvFrameReady {
			return ErrInvalidTransition
		}
		if _, err := e.buffers.GetBuffer(event.FrameID); err != nil {
			// Exhaustion is retryable; the engine keeps scanning.
			return err
		}
		e.boundFrame = event.FrameID
		e.hasBound = true
		e.state = Streaming
		return nil

	case Streaming:
		if event.Type != EvComplete {
			return ErrInvalidTransition
		}
		if err := e.buffers.Commit(e.boundFrame); err != nil {
			return e.fault(err)
		}
		e.hasBound = false
		e.state = Complete
		// Complete is transient: single and calibration scans return to
		// Idle, continuous scans go straight back to Scanning.
		if e.mode == ContinuousMode {
			e.state = Scanning
		} else {
			e.enterIdle()
		}
		return nil

	case Error:
		if event.Type != EvErrorCleared {
			return ErrInvalidTransition
		}
		if e.retries > MaxRetries {
			log.Error("Error clear rejected: %d retries exhausted", e.retries)
			return ErrPermanentFailure
		}
		log.Info("Error cleared, resuming scan (retry %d of %d)", e.retries, MaxRetries)
		e.state = Scanning
		return nil
	}

	return ErrInvalidTransition
}

// Reset forces the engine back to Idle, clearing a terminal Error. The
// retry counter is reset.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardInFlight()
	e.enterIdle()
}

func (e *Engine) enterIdle() {
	e.state = Idle
	// the retry counter resets only on entering Idle
	e.retries = 0
}

// discardInFlight abandons a bound buffer slot, if any.
func (e *Engine) discardInFlight() {
	if !e.hasBound {
		return
	}
	if err := e.buffers.Drop(e.boundFrame); err != nil {
		log.Debug("Discarding bound buffer %d: %s", e.boundFrame, err)
	}
	e.hasBound = false
}

// fault records a callback failure as a hardware error.
func (e *Engine) fault(err error) error {
	e.discardInFlight()
	e.state = Error
	e.retries++
	return err
}
