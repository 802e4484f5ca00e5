package motion

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrMoveVetoed is generated when a move exceeds the motor's threshold and
// was not confirmed.  The move is never issued.
var ErrMoveVetoed = errors.New("aborted move command, target position was not confirmed")

// Confirmer decides whether a suspiciously large move should proceed
type Confirmer interface {
	Confirm(m *Motor, from, to float64) bool
}

// ConfirmFunc adapts a function to the Confirmer interface
type ConfirmFunc func(m *Motor, from, to float64) bool

// Confirm calls f
func (f ConfirmFunc) Confirm(m *Motor, from, to float64) bool {
	return f(m, from, to)
}

var (
	// Deny refuses every large move
	Deny = ConfirmFunc(func(*Motor, float64, float64) bool { return false })

	// Allow accepts every large move
	Allow = ConfirmFunc(func(*Motor, float64, float64) bool { return true })
)

// Prompt asks on Out and reads y/n from In, the way an operator at the
// console confirms a move
type Prompt struct {
	In  io.Reader
	Out io.Writer

	once sync.Once
	rd   *bufio.Reader
}

// Confirm implements Confirmer
func (p *Prompt) Confirm(m *Motor, from, to float64) bool {
	p.once.Do(func() { p.rd = bufio.NewReader(p.In) })
	fmt.Fprintf(p.Out, "You asked to move %s by %.2f (from %v to %v) - is that correct? (y/n) ",
		m, math.Abs(to-from), from, to)
	line, err := p.rd.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == "y"
}

// Guard checks moves against per-motor thresholds
type Guard struct {
	// Confirm is asked about large moves.  nil denies them.
	Confirm Confirmer

	Log logrus.FieldLogger
}

// Check returns ErrMoveVetoed if |target - setpoint| exceeds the motor's
// threshold and the move is not confirmed.  It never clamps the target.
func (g Guard) Check(m *Motor, target float64) error {
	if m.Threshold <= 0 {
		return nil
	}
	current, err := m.Setpoint()
	if err != nil {
		return err
	}
	return g.check(m, current, target)
}

func (g Guard) check(m *Motor, current, target float64) error {
	if !Exceeds(m.Threshold, current, target) {
		return nil
	}
	delta := math.Abs(target - current)
	if g.Confirm != nil && g.Confirm.Confirm(m, current, target) {
		return nil
	}
	if g.Log != nil {
		g.Log.Debug("User aborted large movement request.")
	}
	return fmt.Errorf("%w: %s by %.2f (from %v to %v) exceeds threshold %v",
		ErrMoveVetoed, m.Name, delta, current, target, m.Threshold)
}

// Exceeds reports whether a move from current to target needs confirmation.
// A threshold of zero or less never does.
func Exceeds(threshold, current, target float64) bool {
	return threshold > 0 && math.Abs(target-current) > threshold
}
