package lifecycle

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
)

// Run starts the current instance and blocks until its run ends: the
// entry point runs, then queued commands and poll ticks are served until
// the guest exits, traps, reports completion, Stop is called or ctx ends.
//
// On completion the manager moves to AwaitingReset, rejects pending
// commands and, unless ctx has ended, resets to a fresh instance. A reset
// failure is returned as LifecycleFatal.
func (m *Manager) Run(ctx context.Context) (*RunResult, error) {
	inst, stop, done, err := m.begin()
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.Run",
		trace.WithAttributes(attribute.Int64("generation", int64(inst.Generation()))))
	defer span.End()

	start := time.Now()
	result := m.serve(ctx, inst, stop)
	result.Generation = inst.Generation()
	result.Duration = time.Since(start)

	m.end(inst, result)
	close(done)

	span.SetAttributes(
		attribute.String("reason", result.Reason.String()),
		attribute.Int("rejected", result.Rejected),
	)

	if ctx.Err() != nil || m.closing() {
		return result, nil
	}
	if err := m.Reset(context.WithoutCancel(ctx)); err != nil {
		return result, err
	}
	return result, nil
}

// begin moves Ready to Running.
func (m *Manager) begin() (*engine.Instance, <-chan struct{}, chan struct{}, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.fatal != nil || m.state != Ready || m.isClosing {
		err := m.notReady()
		if m.fatal == nil && m.state == Running {
			err = errors.InvalidInput(errors.PhaseLifecycle, "run already in progress")
		}
		m.mu.Unlock()
		return nil, nil, nil, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.runDone = done
	m.state = Running
	inst := m.inst
	m.mu.Unlock()

	m.logger.Info("run started", zap.Uint64("generation", inst.Generation()))
	m.emit(Event{State: Running, Previous: Ready, Generation: inst.Generation()})
	return inst, stop, done, nil
}

// end moves Running to AwaitingReset and invalidates pending intent.
func (m *Manager) end(inst *engine.Instance, result *RunResult) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	m.state = AwaitingReset
	m.stop = nil
	m.runDone = nil
	queued := m.takeQueue()
	m.mu.Unlock()

	result.Rejected += inst.RejectPending(result.Err) + rejectCalls(queued, result.Err)

	fields := []zap.Field{
		zap.Uint64("generation", result.Generation),
		zap.String("reason", result.Reason.String()),
		zap.Duration("duration", result.Duration),
		zap.Int("rejected", result.Rejected),
	}
	if result.Reason == EndExited {
		fields = append(fields, zap.Uint32("exit_code", result.ExitCode))
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}
	m.logger.Info("run ended", fields...)
	m.emit(Event{State: AwaitingReset, Previous: Running, Generation: result.Generation, Result: result})
}

// serve is the scheduler loop. It is the only code that calls into inst.
func (m *Manager) serve(ctx context.Context, inst *engine.Instance, stop <-chan struct{}) *RunResult {
	for _, name := range m.abi.Entry {
		if !inst.Has(name) {
			continue
		}
		if _, err := inst.Call(ctx, name); err != nil {
			return m.classify(ctx, err)
		}
		break
	}

	hasPoll := inst.Has(m.abi.Poll)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		if res := m.drain(ctx, inst); res != nil {
			return res
		}

		select {
		case <-ctx.Done():
			return &RunResult{Reason: EndCanceled, Err: ctx.Err()}
		case <-stop:
			return &RunResult{Reason: EndStopped}
		case <-m.wake:
		case <-ticker.C:
			if !hasPoll {
				continue
			}
			results, err := inst.Call(ctx, m.abi.Poll)
			if err != nil {
				return m.classify(ctx, err)
			}
			if len(results) == 1 && api.DecodeI32(results[0]) == 0 {
				return &RunResult{Reason: EndCompleted}
			}
		}
	}
}

// drain invokes every queued command. It returns a result when a call
// ended the run.
func (m *Manager) drain(ctx context.Context, inst *engine.Instance) *RunResult {
	m.mu.Lock()
	queued := m.takeQueue()
	m.mu.Unlock()

	for i, c := range queued {
		if c.fut.Generation() != inst.Generation() {
			c.fut.Reject(errors.GenerationEnded(c.fut.Export(), c.fut.Generation(), nil))
			continue
		}
		err := inst.Invoke(ctx, c.fut, c.arg)
		if err == nil {
			continue
		}
		if _, exited := engine.ExitCode(err); exited || errors.Is(err, errors.ErrTrap) {
			res := m.classify(ctx, err)
			res.Rejected = rejectCalls(queued[i+1:], err)
			return res
		}
		// Anything else is local to the command, which Invoke already rejected.
		m.logger.Warn("command call failed", zap.String("export", c.fut.Export()), zap.Error(err))
	}
	return nil
}

func (m *Manager) classify(ctx context.Context, err error) *RunResult {
	if ctx.Err() != nil {
		return &RunResult{Reason: EndCanceled, Err: ctx.Err()}
	}
	if code, ok := engine.ExitCode(err); ok {
		return &RunResult{Reason: EndExited, ExitCode: code}
	}
	return &RunResult{Reason: EndTrapped, Err: err}
}

// Serve runs the instance repeatedly, resetting between runs, until ctx
// ends, the cycle limit is reached or a reset fails. It returns nil on a
// clean stop and the LifecycleFatal otherwise.
func (m *Manager) Serve(ctx context.Context) error {
	for cycles := 1; ; cycles++ {
		if ctx.Err() != nil {
			return nil
		}

		result, err := m.Run(ctx)
		if err != nil {
			if m.closing() || (result == nil && ctx.Err() != nil) {
				return nil
			}
			return err
		}

		if ctx.Err() != nil || m.closing() {
			return nil
		}
		if m.maxCycles > 0 && cycles >= m.maxCycles {
			return nil
		}
		if m.delay > 0 {
			timer := time.NewTimer(m.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}
