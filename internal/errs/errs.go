// Package errs defines the agent's error kinds and a small error-aggregation
// helper in the spirit of the teacher's ErrorCollector: most validation
// paths (manifest parsing, hardware-compatibility checks) want to report
// every problem found, not just the first.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the design's error
// handling section. It is not a Go error type hierarchy on its own; Kind is
// attached to a KindError so callers can switch on it with errors.As.
type Kind int

const (
	// BundleFormat covers header magic, non-hex numeric fields, name too
	// long, missing trailer.
	BundleFormat Kind = iota
	// ManifestSyntax covers unparseable or missing mandatory fields.
	ManifestSyntax
	// ManifestSemantic covers unknown handlers, incompatible hardware,
	// conflicting install-directly counts, link loops/depth overflow.
	ManifestSemantic
	// Integrity covers SHA-256 mismatch, checksum mismatch, short stream,
	// invalid signature.
	Integrity
	// Transport covers decrypt/decompress failures and upstream EOF
	// mid-payload.
	Transport
	// Handler covers a handler's install call returning non-zero.
	Handler
	// State covers invalid state-marker transitions and bootloader
	// set/unset failures.
	State
	// Resource covers allocation, open/seek/write, and free-space
	// failures.
	Resource
	// IPC covers malformed requests, unknown message types, subprocess
	// RPC timeouts, and closed subprocess pipes.
	IPC
	// Concurrency covers "install requested while busy".
	Concurrency
)

func (k Kind) String() string {
	switch k {
	case BundleFormat:
		return "BundleFormat"
	case ManifestSyntax:
		return "ManifestSyntax"
	case ManifestSemantic:
		return "ManifestSemantic"
	case Integrity:
		return "Integrity"
	case Transport:
		return "Transport"
	case Handler:
		return "Handler"
	case State:
		return "State"
	case Resource:
		return "Resource"
	case IPC:
		return "IPC"
	case Concurrency:
		return "Concurrency"
	default:
		return "Unknown"
	}
}

// KindError is an error tagged with a Kind, so installer code can decide
// whether to abort immediately, log-and-continue, or retry.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// New builds a KindError from a format string, mirroring fmt.Errorf.
func New(kind Kind, format string, args ...interface{}) error {
	if len(args) == 0 {
		return &KindError{Kind: kind, Err: errors.New(format)}
	}
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, if any layer of its chain is a
// *KindError.
func KindOf(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// Collector aggregates multiple errors for batch reporting, exactly the
// role the teacher's ErrorCollector plays for package-definition validation.
type Collector struct {
	Errors []error
}

// Add appends err to the collector if it is non-nil.
func (c *Collector) Add(err error) {
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
}

// Addf adds an error built from a format string.
func (c *Collector) Addf(kind Kind, format string, args ...interface{}) {
	c.Errors = append(c.Errors, New(kind, format, args...))
}

// OK reports whether no errors were collected.
func (c *Collector) OK() bool {
	return len(c.Errors) == 0
}

// Err returns nil if the collector is empty, the sole error if there is
// exactly one, or a joined error otherwise.
func (c *Collector) Err() error {
	switch len(c.Errors) {
	case 0:
		return nil
	case 1:
		return c.Errors[0]
	default:
		return errors.Join(c.Errors...)
	}
}
