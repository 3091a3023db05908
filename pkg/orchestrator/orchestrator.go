// Package orchestrator runs a flashing session: it flashes the matching
// devices already attached, then waits for new ones until enough were flashed,
// the idle timeout fires or the context is cancelled.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/events"
	appfsm "github.com/kbflash/kbflash/pkg/fsm"
	"github.com/kbflash/kbflash/pkg/ledger"
	"github.com/kbflash/kbflash/pkg/query"
)

// queueSize bounds devices waiting to be flashed.
const queueSize = 16

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Enumerator device.Lister
	Monitor    DeviceWatcher
	Flasher    Flasher
	Validator  FirmwareValidator
	Sink       events.Sink
}

// Orchestrator flashes devices. It owns the monitor's lifecycle for the
// duration of a session.
type Orchestrator struct {
	enum      device.Lister
	monitor   DeviceWatcher
	flasher   Flasher
	validator FirmwareValidator
	sink      events.Sink
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	sink := deps.Sink
	if sink == nil {
		sink = events.Discard
	}
	return &Orchestrator{
		enum:      deps.Enumerator,
		monitor:   deps.Monitor,
		flasher:   deps.Flasher,
		validator: deps.Validator,
		sink:      sink,
	}
}

// Flash runs one session. Only a missing or invalid firmware image and an
// invalid query are returned as errors; everything that happens to devices is
// reported in the result.
func (o *Orchestrator) Flash(ctx context.Context, opts Options) (*SessionResult, error) {
	started := time.Now()
	opts = opts.withDefaults()

	if opts.FirmwarePath == "" {
		return nil, errors.Validation("firmware path is required")
	}
	if !opts.SkipFirmwareCheck && o.validator != nil {
		if err := o.validator.ValidateFirmware(opts.FirmwarePath); err != nil {
			return nil, err
		}
	}

	q, err := query.Parse(opts.Query)
	if err != nil {
		return nil, err
	}
	if q.Empty() {
		return nil, errors.Validation("a device query is required")
	}

	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	l, err := ledger.Open(ctx, opts.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session ledger")
	}
	defer l.Close()

	s := &session{
		o:      o,
		opts:   opts,
		query:  q,
		ledger: l,
	}

	slog.Info("flash_session_start",
		"session_id", opts.SessionID,
		"firmware", opts.FirmwarePath,
		"query", q.String(),
		"count", opts.Count,
		"timeout", opts.Timeout,
		"track_flashed", opts.TrackFlashed)
	o.sink.Emit(ctx, events.Stamp(events.Event{Type: events.SessionStart, SessionID: opts.SessionID, Message: q.String()}))

	s.run(ctx)

	res := s.result(context.WithoutCancel(ctx), started)
	o.sink.Emit(context.WithoutCancel(ctx), events.Stamp(events.Event{
		Type:      events.SessionEnd,
		SessionID: res.SessionID,
		Message:   fmt.Sprintf("flashed=%d failed=%d success=%t", res.DevicesFlashed, res.DevicesFailed, res.Success),
	}))
	slog.Info("flash_session_end",
		"session_id", res.SessionID,
		"devices_flashed", res.DevicesFlashed,
		"devices_failed", res.DevicesFailed,
		"success", res.Success,
		"duration", res.Duration)

	return res, nil
}

// session is the state of one Flash call. The observer runs on the monitor
// goroutine; everything else runs on the caller's.
type session struct {
	o      *Orchestrator
	opts   Options
	query  query.Query
	ledger *ledger.Ledger

	mu       sync.Mutex
	flashed  int
	failed   int
	messages []string
	errs     []string
	details  []appfsm.AttemptResult
	ended    bool

	// zeroReported is set once an error already explains why nothing was flashed.
	zeroReported bool
}

func (s *session) run(ctx context.Context) {
	initial, err := s.o.enum.ListDevices(ctx)
	if err != nil {
		slog.Error("flash_initial_enumeration_failed", "session_id", s.opts.SessionID, "error", err)
		s.addError(fmt.Sprintf("Device enumeration failed: %v", err))
	}

	initialPaths := make(map[string]struct{}, len(initial))
	for _, dev := range initial {
		initialPaths[dev.Path] = struct{}{}
	}

	for _, dev := range initial {
		if s.countReached() {
			return
		}
		if ctx.Err() != nil {
			s.interrupted()
			return
		}
		if !s.accept(ctx, dev) {
			continue
		}
		s.flash(ctx, dev)
	}

	if s.countReached() {
		return
	}
	if ctx.Err() != nil {
		s.interrupted()
		return
	}
	if s.o.monitor == nil {
		s.addError("No device monitor available to wait for new devices")
		return
	}

	s.wait(ctx, initialPaths)
}

// wait registers an observer, starts the monitor and flashes matching devices
// as they arrive.
func (s *session) wait(ctx context.Context, initial map[string]struct{}) {
	queue := make(chan device.BlockDevice, queueSize)
	quit := make(chan struct{})

	offer := func(dev device.BlockDevice) bool {
		if _, ok := initial[dev.Path]; ok {
			return false
		}
		return s.accept(ctx, dev)
	}

	id := s.o.monitor.Register(device.ObserverFunc(func(action device.Action, dev device.BlockDevice) {
		if action != device.ActionAdd || !offer(dev) {
			return
		}
		select {
		case queue <- dev:
		case <-quit:
		}
	}))
	defer s.o.monitor.Unregister(id)

	if err := s.o.monitor.Start(ctx); err != nil {
		slog.Error("flash_monitor_start_failed", "session_id", s.opts.SessionID, "error", err)
		s.addError(fmt.Sprintf("Device monitor failed to start: %v", err))
		return
	}
	defer s.o.monitor.Stop()
	// Runs before Stop so a blocked observer lets the monitor goroutine exit.
	defer close(quit)

	// Devices that arrived between the snapshot and Start are known to the
	// monitor but were never announced.
	var pending []device.BlockDevice
	for _, dev := range s.o.monitor.Devices() {
		if offer(dev) {
			pending = append(pending, dev)
		}
	}

	slog.Info("flash_waiting", "session_id", s.opts.SessionID, "timeout", s.opts.Timeout, "pending", len(pending))

	idle := time.NewTimer(s.opts.Timeout)
	defer idle.Stop()

	for !s.countReached() {
		var dev device.BlockDevice
		if len(pending) > 0 {
			dev, pending = pending[0], pending[1:]
		} else {
			select {
			case <-ctx.Done():
				s.interrupted()
				return
			case <-idle.C:
				s.timedOut()
				return
			case dev = <-queue:
			}
		}

		if ctx.Err() != nil {
			s.interrupted()
			return
		}
		// The set may have grown since the observer accepted the device.
		if s.opts.TrackFlashed && s.isFlashed(ctx, dev) {
			continue
		}

		s.flash(ctx, s.o.monitor.Refresh(ctx, dev))

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.opts.Timeout)
	}
}

// accept applies de-duplication and the query.
func (s *session) accept(ctx context.Context, dev device.BlockDevice) bool {
	if s.opts.TrackFlashed && s.isFlashed(ctx, dev) {
		slog.Info("flash_device_skipped", "session_id", s.opts.SessionID, "device", dev.Path, "reason", "already_flashed")
		s.o.sink.Emit(ctx, events.Stamp(events.Event{
			Type:      events.DeviceSkip,
			SessionID: s.opts.SessionID,
			Device:    dev.Path,
			Identity:  dev.Identity(),
			Message:   "already flashed in this session",
		}))
		return false
	}
	if !s.query.Matches(dev) {
		slog.Debug("flash_device_not_matching", "session_id", s.opts.SessionID, "device", dev.Path)
		return false
	}
	return true
}

func (s *session) isFlashed(ctx context.Context, dev device.BlockDevice) bool {
	flashed, err := s.ledger.IsFlashed(context.WithoutCancel(ctx), dev.Identity())
	if err != nil {
		slog.Warn("flash_ledger_lookup_failed", "device", dev.Path, "error", err)
		return false
	}
	return flashed
}

// flash runs the state machine for dev and records the outcome.
func (s *session) flash(ctx context.Context, dev device.BlockDevice) {
	slog.Info("flash_device_start", "session_id", s.opts.SessionID, "device", dev.Path, "identity", dev.Identity())

	res := s.o.flasher.Flash(ctx, appfsm.FlashRequest{
		SessionID:    s.opts.SessionID,
		Device:       dev,
		FirmwarePath: s.opts.FirmwarePath,
	})
	if res.Path == "" {
		res.Path = dev.Path
	}
	if res.Identity == "" {
		res.Identity = dev.Identity()
	}
	if res.Device == "" {
		res.Device = dev.Summary()
	}

	bg := context.WithoutCancel(ctx)
	if err := s.ledger.Record(bg, res); err != nil {
		slog.Warn("flash_ledger_record_failed", "device", dev.Path, "error", err)
	}
	if res.Success {
		if err := s.ledger.MarkFlashed(bg, res.Identity, dev.Path, res.RunID); err != nil {
			slog.Warn("flash_ledger_mark_failed", "device", dev.Path, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.details = append(s.details, res)
	if res.Success {
		s.flashed++
		s.messages = append(s.messages, fmt.Sprintf("Flashed %s", res.Device))
		return
	}
	s.failed++
	reason := "unknown error"
	if len(res.Errors) > 0 {
		reason = res.Errors[len(res.Errors)-1]
	}
	s.errs = append(s.errs, fmt.Sprintf("Failed to flash %s: %s", dev.Path, reason))
}

func (s *session) countReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Count > 0 && s.flashed >= s.opts.Count
}

func (s *session) addError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, msg)
}

func (s *session) timedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	if s.flashed == 0 {
		if s.failed > 0 {
			s.errs = append(s.errs, fmt.Sprintf("Timeout: no device flashed within %s", s.opts.Timeout))
		} else {
			s.errs = append(s.errs, fmt.Sprintf("Timeout: no matching device found within %s", s.opts.Timeout))
		}
		s.zeroReported = true
		return
	}
	s.messages = append(s.messages, fmt.Sprintf("Timeout waiting for more devices after %d flashed", s.flashed))
}

func (s *session) interrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.messages = append(s.messages, fmt.Sprintf("Interrupted after %d device(s) flashed", s.flashed))
	slog.Warn("flash_session_interrupted", "session_id", s.opts.SessionID, "devices_flashed", s.flashed)
}

func (s *session) result(ctx context.Context, started time.Time) *SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &SessionResult{
		SessionID:      s.ledger.SessionID(),
		DevicesFlashed: s.flashed,
		DevicesFailed:  s.failed,
		Messages:       append([]string(nil), s.messages...),
		Errors:         append([]string(nil), s.errs...),
		Details:        append([]appfsm.AttemptResult(nil), s.details...),
	}

	// The ledger is authoritative for the counts.
	if totals, err := s.ledger.Totals(ctx); err == nil {
		res.DevicesFlashed, res.DevicesFailed = totals.Flashed, totals.Failed
	} else {
		slog.Warn("flash_ledger_totals_failed", "session_id", s.opts.SessionID, "error", err)
	}

	if res.DevicesFlashed == 0 && !s.zeroReported {
		res.Errors = append(res.Errors, "No devices were flashed")
	}
	res.Success = res.DevicesFlashed > 0 && res.DevicesFailed == 0
	res.Duration = time.Since(started)
	return res
}
