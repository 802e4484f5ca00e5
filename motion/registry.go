package motion

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry holds the motors of the endstation and moves them safely
type Registry struct {
	// Guard is consulted before every Mov and Movr
	Guard Guard

	// Strict makes failed moves return an error instead of only being logged
	Strict bool

	// Settle is slept after a successful move
	Settle time.Duration

	Log logrus.FieldLogger

	mu     sync.RWMutex
	motors map[string]*Motor
}

// NewRegistry returns an empty registry with a 0.5 s settle time
func NewRegistry(g Guard, log logrus.FieldLogger) *Registry {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Registry{
		Guard:  g,
		Settle: 500 * time.Millisecond,
		Log:    log,
		motors: make(map[string]*Motor),
	}
}

// Add places a motor in the registry under its name
func (r *Registry) Add(m *Motor) {
	r.mu.Lock()
	r.motors[m.Name] = m
	r.mu.Unlock()
}

// Get returns a motor by name
func (r *Registry) Get(name string) (*Motor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.motors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMotor, name)
	}
	return m, nil
}

// Names returns the sorted motor names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.motors))
	for k := range r.motors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Mov moves a motor to an absolute position, rounded to 1e-4.
//
// A guard veto is always returned.  A failed move is logged and, unless
// Strict is set, swallowed.
func (r *Registry) Mov(ctx context.Context, m *Motor, pos float64) error {
	pos = math.Round(pos*1e4) / 1e4
	if err := r.Guard.Check(m, pos); err != nil {
		return err
	}
	return r.move(ctx, m, pos)
}

// Movr moves a motor by a relative amount from its setpoint
func (r *Registry) Movr(ctx context.Context, m *Motor, delta float64) error {
	current, err := m.Setpoint()
	if err != nil {
		return err
	}
	return r.Mov(ctx, m, current+delta)
}

func (r *Registry) move(ctx context.Context, m *Motor, pos float64) error {
	if err := m.Move(ctx, pos); err != nil {
		r.Log.WithError(err).Infof("Failed attempt to move %s to %.4f", m.Name, pos)
		if r.Strict || ctx.Err() != nil {
			return err
		}
		return nil
	}
	select {
	case <-time.After(r.Settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.Log.Infof("Moved %s to %.4f", m.Name, pos)
	return nil
}

// GetPos returns the readback of the named motor
func (r *Registry) GetPos(axis string) (float64, error) {
	m, err := r.Get(axis)
	if err != nil {
		return 0, err
	}
	return m.Readback()
}

// MoveAbs moves the named motor without consulting the guard's confirmer.
// It is meant to sit behind a threshold check such as the HTTP
// ThresholdMiddleware, which has already obtained confirmation.
func (r *Registry) MoveAbs(axis string, pos float64) error {
	m, err := r.Get(axis)
	if err != nil {
		return err
	}
	return r.move(context.Background(), m, math.Round(pos*1e4)/1e4)
}

// MoveRel moves the named motor relative to its setpoint, see MoveAbs
func (r *Registry) MoveRel(axis string, delta float64) error {
	m, err := r.Get(axis)
	if err != nil {
		return err
	}
	current, err := m.Setpoint()
	if err != nil {
		return err
	}
	return r.move(context.Background(), m, math.Round((current+delta)*1e4)/1e4)
}

// Home homes the named motor
func (r *Registry) Home(axis string) error {
	m, err := r.Get(axis)
	if err != nil {
		return err
	}
	return m.Home()
}

// Threshold returns the movement threshold of the named motor
func (r *Registry) Threshold(axis string) (float64, bool) {
	m, err := r.Get(axis)
	if err != nil || m.Threshold <= 0 {
		return 0, false
	}
	return m.Threshold, true
}

// Setpoint returns the commanded position of the named motor
func (r *Registry) Setpoint(axis string) (float64, error) {
	m, err := r.Get(axis)
	if err != nil {
		return 0, err
	}
	return m.Setpoint()
}

// Stop halts the named motor
func (r *Registry) Stop(axis string) error {
	m, err := r.Get(axis)
	if err != nil {
		return err
	}
	return m.Stop()
}

// GetInPosition returns true when the named motor is done moving
func (r *Registry) GetInPosition(axis string) (bool, error) {
	m, err := r.Get(axis)
	if err != nil {
		return false, err
	}
	moving, err := m.Moving()
	return !moving, err
}
