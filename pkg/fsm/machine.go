package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/fsm"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/events"
	"github.com/kbflash/kbflash/pkg/mount"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	adapter    mount.Adapter
	sink       events.Sink
	maxRetries int
	retryDelay time.Duration

	// retryCount reads the library's retry counter; replaced in tests.
	retryCount func(ctx context.Context) uint64

	manager *fsm.Manager
	start   fsm.Start[FlashRequest, FlashResponse]

	mu      sync.Mutex
	results map[string]*AttemptResult
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(adapter mount.Adapter, sink events.Sink, maxRetries int, retryDelay time.Duration) *Machine {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Machine{
		adapter:    adapter,
		sink:       sink,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		retryCount: fsm.RetryFromContext,
		results:    make(map[string]*AttemptResult),
	}
}

// Flash runs the state machine for one device and waits for it to finish.
// Failures never escape as errors; they are reported in the result.
func (m *Machine) Flash(ctx context.Context, req FlashRequest) AttemptResult {
	started := time.Now()
	req.RunID = uuid.NewString()
	m.open(req)

	if m.start == nil || m.manager == nil {
		m.fail(ctx, &req, StateDeviceFound, fmt.Errorf("flash state machine not registered"))
		return m.finish(req.RunID, started)
	}

	version, err := m.start(ctx, req.RunID, fsm.NewRequest(&req, &FlashResponse{}))
	if err != nil {
		slog.Error("fsm_start_failed", "run_id", req.RunID, "device", req.Device.Path, "error", err)
		m.fail(ctx, &req, StateDeviceFound, errors.Wrap(err, "FSM start failed"))
		return m.finish(req.RunID, started)
	}

	if err := m.manager.Wait(ctx, version); err != nil {
		slog.Warn("fsm_run_ended_with_error", "run_id", req.RunID, "device", req.Device.Path, "error", err)
		m.update(req.RunID, func(r *AttemptResult) {
			if !r.Success && len(r.Errors) == 0 {
				r.Errors = append(r.Errors, err.Error())
			}
		})
	}

	return m.finish(req.RunID, started)
}

// handleDeviceFound validates the request and opens the attempt.
func (m *Machine) handleDeviceFound(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_device_found", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	if err := m.checkRetries(ctx, req.Msg); err != nil {
		return nil, err
	}

	if req.Msg.Device.Path == "" {
		return nil, m.fail(ctx, req.Msg, StateDeviceFound, errors.Validation("device has no path"))
	}
	if req.Msg.FirmwarePath == "" {
		return nil, m.fail(ctx, req.Msg, StateDeviceFound, errors.Validation("firmware path is empty"))
	}

	m.emit(ctx, req.Msg, events.Event{Type: events.DeviceFound, State: StateDeviceFound, Message: req.Msg.Device.Summary()})

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}
	resp.Status = StateDeviceFound
	return fsm.NewResponse(resp), nil
}

// handleMounting mounts the device, retrying transient failures.
func (m *Machine) handleMounting(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_mounting", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	if err := m.checkRetries(ctx, req.Msg); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		m.emit(ctx, req.Msg, events.Event{Type: events.MountAttempt, State: StateMounting, Attempt: attempt})
		m.update(req.Msg.RunID, func(r *AttemptResult) { r.MountAttempts = attempt })

		paths, err := m.adapter.Mount(ctx, req.Msg.Device)
		if err == nil && len(paths) > 0 {
			resp.MountPaths = paths
			resp.Status = StateMounting
			m.update(req.Msg.RunID, func(r *AttemptResult) {
				r.MountPaths = paths
				r.Messages = append(r.Messages, fmt.Sprintf("Mounted at %s", paths[0]))
			})
			return fsm.NewResponse(resp), nil
		}
		if err == nil {
			err = errors.Transient(fmt.Errorf("no mount path"), "mount "+req.Msg.Device.Path)
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			slog.Error("mount_fatal", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path, "error", err)
			return nil, m.fail(ctx, req.Msg, StateMounting, errors.Wrap(err, "mount failed"))
		}
		if attempt < m.maxRetries {
			if err := m.backoff(ctx, req.Msg, StateMounting, attempt, err); err != nil {
				return nil, m.fail(ctx, req.Msg, StateMounting, err)
			}
		}
	}

	return nil, m.fail(ctx, req.Msg, StateMounting, errors.Wrap(lastErr, fmt.Sprintf("mount failed after %d attempts", m.maxRetries)))
}

// handleCopying copies the firmware onto the first mount path and syncs it.
// Exhausting retries unmounts best effort and fails the attempt.
func (m *Machine) handleCopying(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_copying", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	if err := m.checkRetries(ctx, req.Msg); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || len(resp.MountPaths) == 0 {
		return nil, m.fail(ctx, req.Msg, StateCopying, fmt.Errorf("no mount path to copy to"))
	}
	target := resp.MountPaths[0]

	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		m.emit(ctx, req.Msg, events.Event{Type: events.CopyAttempt, State: StateCopying, Attempt: attempt, Message: target})
		m.update(req.Msg.RunID, func(r *AttemptResult) { r.CopyAttempts = attempt })

		err := m.adapter.CopyFirmware(ctx, req.Msg.FirmwarePath, target)
		if err == nil {
			err = m.adapter.Sync(ctx, target)
		}
		if err == nil {
			resp.CopiedTo = target
			resp.Status = StateCopying
			m.update(req.Msg.RunID, func(r *AttemptResult) {
				r.Messages = append(r.Messages, fmt.Sprintf("Firmware copied to %s", target))
			})
			return fsm.NewResponse(resp), nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			break
		}
		if attempt < m.maxRetries {
			if err := m.backoff(ctx, req.Msg, StateCopying, attempt, err); err != nil {
				lastErr = err
				break
			}
		}
	}

	// The copy may have partially landed; leave the volume unmounted either way.
	if clean, err := m.adapter.Unmount(context.WithoutCancel(ctx), req.Msg.Device); err != nil || !clean {
		slog.Warn("unmount_after_copy_failure_unclean", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path, "error", err)
	}
	return nil, m.fail(ctx, req.Msg, StateCopying,
		errors.Wrap(lastErr, "copy failed, firmware may be partially written"))
}

// handleUnmounting unmounts best effort. An unclean unmount is expected when
// the bootloader resets on receipt of the firmware and never fails the attempt.
func (m *Machine) handleUnmounting(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_unmounting", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	if err := m.checkRetries(ctx, req.Msg); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}

	clean, err := m.adapter.Unmount(ctx, req.Msg.Device)
	msg := "Unmounted cleanly"
	switch {
	case err != nil:
		msg = fmt.Sprintf("Unmount skipped: %v", err)
		clean = false
	case !clean:
		msg = "Unmount did not complete; device most likely rebooted into the new firmware"
	}

	resp.CleanUnmount = clean
	resp.Status = StateUnmounting
	m.update(req.Msg.RunID, func(r *AttemptResult) {
		r.CleanUnmount = clean
		r.Messages = append(r.Messages, msg)
	})
	m.emit(ctx, req.Msg, events.Event{Type: events.Unmount, State: StateUnmounting, Message: msg})

	return fsm.NewResponse(resp), nil
}

// handleSuccess marks the attempt as flashed.
func (m *Machine) handleSuccess(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_success", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}
	resp.Status = StateSuccess

	msg := fmt.Sprintf("Flashed %s", req.Msg.Device.Summary())
	m.update(req.Msg.RunID, func(r *AttemptResult) {
		r.Success = true
		r.FinalState = StateSuccess
		r.Messages = append(r.Messages, msg)
	})
	m.emit(ctx, req.Msg, events.Event{Type: events.FlashSuccess, State: StateSuccess, Message: msg})

	return fsm.NewResponse(resp), nil
}

func (m *Machine) checkRetries(ctx context.Context, req *FlashRequest) error {
	if retryCount := m.retryCount(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", req.RunID, "max_retries", m.maxRetries)
		return m.fail(ctx, req, StateFailed, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// backoff waits retryDelay before the next attempt.
func (m *Machine) backoff(ctx context.Context, req *FlashRequest, state string, attempt int, cause error) error {
	slog.Warn("flash_retry", "run_id", req.RunID, "state", state, "attempt", attempt, "delay", m.retryDelay, "error", cause)
	m.emit(ctx, req, events.Event{Type: events.Retry, State: state, Attempt: attempt, Error: cause.Error()})

	if m.retryDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fail records the failure and returns it wrapped for the library.
func (m *Machine) fail(ctx context.Context, req *FlashRequest, state string, err error) error {
	m.update(req.RunID, func(r *AttemptResult) {
		r.Success = false
		r.FinalState = state
		r.Errors = append(r.Errors, err.Error())
	})
	m.emit(ctx, req, events.Event{Type: events.FlashFailure, State: state, Error: err.Error()})
	return fsm.Abort(err)
}

func (m *Machine) emit(ctx context.Context, req *FlashRequest, ev events.Event) {
	ev.SessionID = req.SessionID
	ev.RunID = req.RunID
	ev.Device = req.Device.Path
	ev.Identity = req.Device.Identity()
	m.sink.Emit(ctx, events.Stamp(ev))
}

func (m *Machine) open(req FlashRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[req.RunID] = &AttemptResult{
		RunID:      req.RunID,
		Device:     req.Device.Summary(),
		Path:       req.Device.Path,
		Identity:   req.Device.Identity(),
		FinalState: StateDeviceFound,
	}
}

func (m *Machine) update(runID string, fn func(r *AttemptResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[runID]; ok {
		fn(r)
	}
}

func (m *Machine) finish(runID string, started time.Time) AttemptResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[runID]
	if !ok {
		return AttemptResult{RunID: runID, FinalState: StateFailed, Errors: []string{"unknown run"}}
	}
	delete(m.results, runID)
	r.Duration = time.Since(started)
	return *r
}
