package emu

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
)

// Core is the instruction core: it executes guest instructions against the
// state and stops at every ecall.
type Core interface {
	// Step executes one instruction. When it is an ecall, Step reports true
	// and leaves PC at the next instruction.
	Step(state *VMState) (ecall bool, err error)
}

// InstrumentedState binds a VMState to the host streams and the syscall table.
type InstrumentedState struct {
	state *VMState

	env        SyscallEnv
	dispatcher *Dispatcher
}

func NewInstrumentedState(state *VMState, cfg Config, stdIn io.Reader, stdOut, stdErr io.Writer, l log.Logger) *InstrumentedState {
	if l == nil {
		l = log.Root()
	}
	return &InstrumentedState{
		state: state,
		env: SyscallEnv{
			State:  state,
			Stdin:  stdIn,
			Stdout: stdOut,
			Stderr: stdErr,
			Rand:   rand.Reader,
			PID:    cfg.PID,
			Log:    l,
		},
		dispatcher: NewDispatcher(cfg.Unsupported),
	}
}

func (m *InstrumentedState) State() *VMState { return m.state }

func (m *InstrumentedState) Dispatcher() *Dispatcher { return m.dispatcher }

// SetRand replaces the entropy source of getrandom.
func (m *InstrumentedState) SetRand(r io.Reader) { m.env.Rand = r }

// Trap handles the ecall the guest just executed. Once the guest has
// exited no handler runs again.
func (m *InstrumentedState) Trap() (TrapResult, error) {
	if m.state.Exited {
		return TrapExit, nil
	}
	return m.dispatcher.Dispatch(&m.env)
}

// Run steps core until the guest exits, a trap fails or ctx is done.
func (m *InstrumentedState) Run(ctx context.Context, core Core) error {
	for !m.state.Exited {
		if m.state.Step%100 == 0 { // don't do the ctx err check (includes lock) too often
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ecall, err := core.Step(m.state)
		if err != nil {
			return fmt.Errorf("failed at step %d (PC: %016x): %w", m.state.Step, m.state.PC, err)
		}
		m.state.Step++
		if !ecall {
			continue
		}
		if _, err := m.Trap(); err != nil {
			return fmt.Errorf("trap at step %d (PC: %016x): %w", m.state.Step, m.state.PC, err)
		}
	}
	return nil
}
