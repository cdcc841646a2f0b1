// Package bootloader defines the abstract interface installers use to read
// and write bootloader environment variables, plus one trivial in-memory
// implementation for tests and hosts with no real bootloader. Concrete
// backends for U-Boot, GRUB, or EFI variables are out of scope: this
// package only fixes the contract every such backend must satisfy, the
// same split the teacher draws between common.Generator (the contract) and
// its per-format implementations.
package bootloader

import (
	"github.com/swupdate/agent-core/internal/errs"
	"github.com/swupdate/agent-core/internal/manifest"
)

// Env is the abstract bootloader-environment backend.
type Env interface {
	// Get returns the current value of name, or ok=false if unset.
	Get(name string) (value string, ok bool, err error)
	// Set assigns value to name, creating it if necessary.
	Set(name, value string) error
	// Unset removes name entirely.
	Unset(name string) error
	// Apply performs every operation in ops as a single batch, in order.
	// A zero-value Value in an op means unset, matching BootEnvOp's
	// encoding (manifest.BootEnvOp).
	Apply(ops []manifest.BootEnvOp) error
}

// NoneEnv is an in-memory Env backed by a plain map, for hosts with no
// bootloader integration and for tests that only need Apply's sequencing
// to be correct.
type NoneEnv struct {
	vars map[string]string
}

// NewNoneEnv returns an empty NoneEnv.
func NewNoneEnv() *NoneEnv {
	return &NoneEnv{vars: map[string]string{}}
}

func (e *NoneEnv) Get(name string) (string, bool, error) {
	v, ok := e.vars[name]
	return v, ok, nil
}

func (e *NoneEnv) Set(name, value string) error {
	if name == "" {
		return errs.New(errs.State, "bootloader variable name must not be empty")
	}
	e.vars[name] = value
	return nil
}

func (e *NoneEnv) Unset(name string) error {
	delete(e.vars, name)
	return nil
}

func (e *NoneEnv) Apply(ops []manifest.BootEnvOp) error {
	for _, op := range ops {
		if op.Value == "" {
			if err := e.Unset(op.Name); err != nil {
				return err
			}
			continue
		}
		if err := e.Set(op.Name, op.Value); err != nil {
			return err
		}
	}
	return nil
}
