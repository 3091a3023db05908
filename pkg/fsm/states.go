// Package fsm implements the per-device flash state machine.
// A device moves device_found -> mounting -> copying -> unmounting -> success,
// or ends in failed, using the superfly/fsm library. Retries happen inside the
// mounting and copying handlers with a fixed delay; every handler error is
// wrapped in fsm.Abort so the library never retries on its own schedule.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/kbflash/kbflash/pkg/errors"
)

// Register registers the flash FSM and remembers the manager so Flash can run it.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "device-flash").
		Start(StateDeviceFound, m.handleDeviceFound).
		To(StateMounting, m.handleMounting).
		To(StateCopying, m.handleCopying).
		To(StateUnmounting, m.handleUnmounting).
		To(StateSuccess, m.handleSuccess).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return start, resume, nil
}
