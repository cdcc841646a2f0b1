// Package handler defines the contract installers are written against and
// a name-keyed registry for looking one up, grounded on the teacher's
// Generator/GeneratorFactory split (common/generator.go): one small
// interface implemented once per concrete target, selected by a thin
// factory/lookup layer rather than a type switch sprinkled through the
// caller. Concrete handlers (raw, ubivol, UBI, swap-partition, archive,
// ...) are out of scope here; this package only defines what a handler
// looks like and how the installer finds one.
package handler

import (
	"context"
	"io"

	"github.com/swupdate/agent-core/internal/errs"
	"github.com/swupdate/agent-core/internal/manifest"
)

// Flags describes capabilities a handler implementation advertises at
// registration time, mirroring the source project's per-handler mask
// (HANDLER_MASK) of supported installation modes.
type Flags uint32

const (
	// SupportsInstallDirectly means the handler can consume a streaming
	// io.Reader positioned mid-archive, without the image first being
	// copied out to a temp file.
	SupportsInstallDirectly Flags = 1 << iota
	// NeedsRandomAccess means the handler requires a seekable source
	// (e.g. to patch a partition table), forcing ModeCopyThenInstall
	// regardless of what the manifest requested.
	NeedsRandomAccess
	// IsPartitioner means this handler lays out partitions/volumes that
	// other images get installed into, and must always run first.
	IsPartitioner
)

// Target bundles the destination information and shared install-time
// services a handler needs, without exposing the whole installer.
type Target struct {
	// Root is the filesystem root images get installed relative to
	// (almost always "/" outside of tests).
	Root string
	// Vars carries the manifest's "vars" section plus any handler-data
	// blob attached to the image, already flattened into string pairs.
	Vars map[string]string
}

// InstallFunc performs the actual installation of one image. src yields
// the image's already-decrypted, already-decompressed, already
// hash-verified payload bytes; the handler owns nothing upstream of that.
type InstallFunc func(ctx context.Context, img *manifest.Image, src io.Reader, target Target) error

type registration struct {
	fn    InstallFunc
	flags Flags
}

var registry = map[string]registration{}

// Register adds a named handler implementation. Calling Register twice
// for the same name replaces the previous registration, matching the
// teacher's habit of letting later package init() calls win (see how
// holo-build's generator map is built at package scope in main.go).
func Register(name string, fn InstallFunc, flags Flags) {
	registry[name] = registration{fn: fn, flags: flags}
}

// Lookup returns the named handler and its flags.
func Lookup(name string) (InstallFunc, Flags, bool) {
	r, ok := registry[name]
	return r.fn, r.flags, ok
}

// heuristicOrder lists the fallback handler names tried, in order, for an
// image that names no explicit handler: a volume destination implies a
// UBI volume, a device path implies a raw block write, anything else
// falls back to a plain file write.
var heuristicOrder = []string{"ubivol", "raw", "rawfile"}

// FindFor resolves the InstallFunc for img: its explicit "handler" name
// if it named one, otherwise the first registered name among the one
// appropriate to its destination kind followed by all of heuristicOrder.
func FindFor(img *manifest.Image) (InstallFunc, Flags, error) {
	if img.HandlerName != "" {
		fn, flags, ok := Lookup(img.HandlerName)
		if !ok {
			return nil, 0, errs.New(errs.Handler, "image %q: no handler registered as %q", img.Name, img.HandlerName)
		}
		return fn, flags, nil
	}

	var candidates []string
	switch img.DestKind {
	case manifest.DestVolumeName:
		candidates = []string{"ubivol"}
	case manifest.DestDevicePath:
		candidates = []string{"raw"}
	default:
		candidates = []string{"rawfile"}
	}
	candidates = append(candidates, heuristicOrder...)

	seen := map[string]bool{}
	for _, name := range candidates {
		if seen[name] {
			continue
		}
		seen[name] = true
		if fn, flags, ok := Lookup(name); ok {
			return fn, flags, nil
		}
	}
	return nil, 0, errs.New(errs.Handler, "image %q: no handler available for destination kind %v", img.Name, img.DestKind)
}

// EffectiveMode reconciles the manifest-requested install mode with a
// handler's advertised capabilities: NeedsRandomAccess always forces
// ModeCopyThenInstall, and a handler that never advertised
// SupportsInstallDirectly can't honor an install-directly request either.
func EffectiveMode(requested manifest.InstallMode, flags Flags) manifest.InstallMode {
	if requested != manifest.ModeInstallDirectly {
		return requested
	}
	if flags&NeedsRandomAccess != 0 || flags&SupportsInstallDirectly == 0 {
		return manifest.ModeCopyThenInstall
	}
	return manifest.ModeInstallDirectly
}
