// Package motion contains PV-backed motor records and the movement safety
// checks applied before any of them are commanded.
package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/util"
)

var (
	// ErrMotionFailed is generated when a motor does not report done moving
	ErrMotionFailed = errors.New("motor move failed")

	// ErrUnknownMotor is generated when a motor name is not in the registry
	ErrUnknownMotor = errors.New("unknown motor")
)

// Motor is an EPICS motor record.  VAL is the commanded position, RBV the
// readback and DMOV the done-moving flag.
type Motor struct {
	// Name is the short name, e.g. samx
	Name string

	// Record is the record prefix, e.g. 2idd:m40
	Record string

	// Threshold is the largest step (um or deg) allowed without confirmation.
	// Zero means the motor is not guarded.
	Threshold float64

	// MoveTimeout bounds how long Move waits for DMOV
	MoveTimeout time.Duration

	// PollInterval is the DMOV polling period
	PollInterval time.Duration

	c pv.Client
}

// NewMotor returns a motor on the PV client c
func NewMotor(c pv.Client, name, record string, threshold float64) *Motor {
	return &Motor{
		Name:         name,
		Record:       record,
		Threshold:    threshold,
		MoveTimeout:  60 * time.Second,
		PollInterval: 50 * time.Millisecond,
		c:            c,
	}
}

func (m *Motor) String() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.Record)
}

// PV returns the PV name of a field of the record
func (m *Motor) PV(field string) string {
	return pv.Field(m.Record, field)
}

// Setpoint returns the commanded position
func (m *Motor) Setpoint() (float64, error) {
	return m.c.GetFloat(m.PV("VAL"))
}

// Readback returns the measured position
func (m *Motor) Readback() (float64, error) {
	return m.c.GetFloat(m.PV("RBV"))
}

// Moving returns true while the motor has not reported done
func (m *Motor) Moving() (bool, error) {
	done, err := pv.GetBool(m.c, m.PV("DMOV"))
	return !done, err
}

// Move commands an absolute position and blocks until the record reports
// done moving, ctx is done, or MoveTimeout elapses.  No safety checks are
// made, see Registry.Mov.
func (m *Motor) Move(ctx context.Context, pos float64) error {
	if err := m.c.PutFloat(m.PV("VAL"), pos, true); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMotionFailed, m.Name, err)
	}
	return m.WaitDone(ctx)
}

// WaitDone polls DMOV until it is set
func (m *Motor) WaitDone(ctx context.Context) error {
	deadline := time.NewTimer(m.MoveTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.PollInterval)
	defer tick.Stop()
	for {
		moving, err := m.Moving()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMotionFailed, m.Name, err)
		}
		if !moving {
			return m.checkStatus()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not finish within %v", ErrMotionFailed, m.Name, m.MoveTimeout)
		case <-tick.C:
		}
	}
}

// Stop halts the motor
func (m *Motor) Stop() error {
	return m.c.PutFloat(m.PV("STOP"), 1, true)
}

// Home starts a forward home search
func (m *Motor) Home() error {
	return m.c.PutFloat(m.PV("HOMF"), 1, true)
}

// mstaProblem is the PROBLEM bit of the motor record status word
const mstaProblem = 9

// checkStatus fails if the record flags a problem.  Records without MSTA pass.
func (m *Motor) checkStatus() error {
	msta, err := m.c.GetFloat(m.PV("MSTA"))
	if errors.Is(err, pv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMotionFailed, m.Name, err)
	}
	if util.GetBit(uint32(msta), mstaProblem) {
		return fmt.Errorf("%w: %s reports a problem, MSTA=%d", ErrMotionFailed, m.Name, uint32(msta))
	}
	return nil
}
