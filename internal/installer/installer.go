// Package installer drives one install run over a forward-only bundle
// archive: every image and script entry is dispatched as its turn comes
// up in the stream, pre/post scripts run inline, fail-phase scripts are
// held back for a failure handler, and the whole run ends with a
// bootloader environment commit and a state-marker transition. It is the
// direct analogue of the teacher's Package.Build — the same
// "transform declared entries into materialized system state, in a fixed
// order, bailing out through a single error path" shape, generalized from
// building a package archive to mutating a running system.
package installer

import (
	"context"
	"io"
	"os"

	"github.com/swupdate/agent-core/internal/bootloader"
	"github.com/swupdate/agent-core/internal/bundle"
	"github.com/swupdate/agent-core/internal/errs"
	"github.com/swupdate/agent-core/internal/handler"
	"github.com/swupdate/agent-core/internal/manifest"
	"github.com/swupdate/agent-core/internal/pipeline"
)

// StateStore persists the bootloader state marker across the install run,
// so a crash mid-install leaves behind IN_PROGRESS (or FAILED) rather than
// a stale OK.
type StateStore interface {
	Get() (State, error)
	Set(State) error
}

// Notifier receives progress and log-level notifications during the
// install run, the same role the controller's notification fan-out plays
// for connected clients.
type Notifier interface {
	Progress(imageName string, percent int)
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ScriptRunner executes one script image. Scripts are carried in the
// bundle like any other image (spec.md §4.5); running one is a distinct
// concern from installing a filesystem image, so it gets its own
// interface instead of being forced through handler.InstallFunc.
type ScriptRunner interface {
	Run(ctx context.Context, img *manifest.Image, src io.Reader) error
}

// nopNotifier discards everything; used when Options.Notify is nil.
type nopNotifier struct{}

func (nopNotifier) Progress(string, int)         {}
func (nopNotifier) Info(string, ...interface{})  {}
func (nopNotifier) Error(string, ...interface{}) {}

// Options configures one Installer.
type Options struct {
	Bundle  *manifest.Bundle
	Target  handler.Target
	BootEnv bootloader.Env
	Scripts ScriptRunner
	State   StateStore
	Notify  Notifier
	// FindHandler overrides handler.FindFor, for tests.
	FindHandler func(*manifest.Image) (handler.InstallFunc, handler.Flags, error)
	// AESKey decrypts images with Encrypted set. Provisioned out of band
	// (the CLI's -K flag or the controller's set-AES-key IPC message, per
	// spec.md §6); an Encrypted image with no key configured is a hard
	// error rather than a silent pass-through.
	AESKey *pipeline.AESKey
	// TransactionKey names the bootloader variable used as the
	// transaction marker (spec.md §3/§4.5, property P7). Grounded on
	// original_source/corelib/stream_interface.c's
	// fw_set_one_env("recovery_status", ...) call; defaults to
	// "recovery_status" when left empty.
	TransactionKey string
}

const defaultTransactionKey = "recovery_status"

// Installer runs one bundle install against a positioned bundle.Reader.
type Installer struct {
	opts Options

	// extractedScriptFiles collects the temp files extracted for every
	// script encountered during Run, so fail can execute the fail-phase
	// ones and Run can clean them all up afterwards regardless of outcome.
	extractedScriptFiles []string

	// extractedImageFiles collects the temp files backing images whose
	// handler dispatch was deferred behind pending partitioner images (see
	// pendingImage below), so Run can clean them up once the run ends.
	extractedImageFiles []string

	// txnOpened records whether the transaction marker has been set for
	// this run, so it is only set once (before the first install-directly
	// image) and only ever cleared on success (P7).
	txnOpened bool
}

// New builds an Installer from opts, filling in defaults for BootEnv and
// Notify when the caller leaves them nil.
func New(opts Options) *Installer {
	if opts.BootEnv == nil {
		opts.BootEnv = bootloader.NewNoneEnv()
	}
	if opts.Notify == nil {
		opts.Notify = nopNotifier{}
	}
	if opts.FindHandler == nil {
		opts.FindHandler = handler.FindFor
	}
	return &Installer{opts: opts}
}

// pendingImage holds an image whose bytes have already been extracted from
// the archive (the reader is forward-only, so extraction cannot wait) but
// whose handler dispatch is held back until every partitioner image in the
// bundle has run (spec.md §4.3/§4.5 step 2: partitioner images are installed
// before any other image).
type pendingImage struct {
	img *manifest.Image
	fn  handler.InstallFunc
}

// Run drives the whole install as a single forward pass over br: entries
// are extracted in the order they appear in the archive, which is the
// manifest author's responsibility to arrange as pre-scripts, then images,
// then post-scripts. Scripts always dispatch inline, in archive order.
// Images are handled with partitioner priority: a partitioner image installs
// as soon as its entry is reached, but a non-partitioner image encountered
// while any partitioner is still outstanding has its bytes extracted to a
// temp file and its handler dispatch deferred, so it runs only after the
// last outstanding partitioner has completed. Fail-phase scripts are only
// ever extracted as their entries are encountered, never executed inline;
// fail (below) runs them afterwards, from whichever ones were reached before
// the error occurred. br must be positioned at the first payload-bearing
// entry of the bundle archive (after the manifest has already been read off
// the front of it).
func (in *Installer) Run(ctx context.Context, br *bundle.Reader) error {
	defer func() {
		for _, path := range in.extractedScriptFiles {
			os.Remove(path) //nolint:errcheck // best-effort cleanup
		}
		for _, path := range in.extractedImageFiles {
			os.Remove(path) //nolint:errcheck // best-effort cleanup
		}
	}()

	st := in.opts.State
	if st != nil {
		cur, err := st.Get()
		if err != nil {
			return errs.Wrap(errs.State, err)
		}
		next, err := Transition(cur, StateInProgress)
		if err != nil {
			return err
		}
		if err := st.Set(next); err != nil {
			return errs.Wrap(errs.State, err)
		}
	}

	byName := make(map[string]*manifest.Image)
	for i := range in.opts.Bundle.Images {
		byName[in.opts.Bundle.Images[i].Name] = &in.opts.Bundle.Images[i]
	}
	for i := range in.opts.Bundle.Scripts {
		byName[in.opts.Bundle.Scripts[i].Name] = &in.opts.Bundle.Scripts[i]
	}
	for i := range in.opts.Bundle.BootScripts {
		byName[in.opts.Bundle.BootScripts[i].Name] = &in.opts.Bundle.BootScripts[i]
	}
	remaining := len(byName)

	partitionersLeft := 0
	for i := range in.opts.Bundle.Images {
		if in.opts.Bundle.Images[i].IsPartitioner {
			partitionersLeft++
		}
	}
	var pending []pendingImage

	flushPending := func(ctx context.Context) error {
		for _, p := range pending {
			if err := in.dispatchExtracted(ctx, p.img, p.fn); err != nil {
				return err
			}
		}
		pending = nil
		return nil
	}

	for remaining > 0 {
		entry, ok, err := br.Next()
		if err != nil {
			return in.fail(errs.Wrap(errs.BundleFormat, err))
		}
		if !ok {
			break
		}
		img, wanted := byName[entry.Name]
		if !wanted {
			if err := br.SkipPayload(entry, true, nil); err != nil {
				return in.fail(err)
			}
			continue
		}
		var stepErr error
		switch {
		case img.IsScript:
			stepErr = in.dispatchScript(ctx, img, br, entry)
		case img.IsPartitioner:
			stepErr = in.installOne(ctx, img, br, entry)
			if stepErr == nil {
				partitionersLeft--
				if partitionersLeft == 0 {
					stepErr = flushPending(ctx)
				}
			}
		case partitionersLeft > 0:
			stepErr = in.deferImage(img, br, entry, &pending)
		default:
			stepErr = in.installOne(ctx, img, br, entry)
		}
		if stepErr != nil {
			return in.fail(stepErr)
		}
		delete(byName, entry.Name)
		remaining--
	}
	if remaining > 0 {
		return in.fail(errs.New(errs.BundleFormat, "bundle archive ended before %d declared entr(ies) were found", remaining))
	}
	if err := flushPending(ctx); err != nil {
		return in.fail(err)
	}

	if in.opts.BootEnv != nil && len(in.opts.Bundle.BootEnv) > 0 {
		if err := in.opts.BootEnv.Apply(in.opts.Bundle.BootEnv); err != nil {
			return in.fail(errs.Wrap(errs.State, err))
		}
	}

	if err := in.clearTransactionMarker(); err != nil {
		return in.fail(err)
	}

	if st != nil {
		next, err := Transition(StateInProgress, StateInstalled)
		if err != nil {
			return err
		}
		if err := st.Set(next); err != nil {
			return errs.Wrap(errs.State, err)
		}
	}
	return nil
}

// openTransactionMarker sets the bootloader transaction marker the first
// time an install-directly image is about to stream, and only then
// (spec.md §4.5 step 3, property P7). A no-op when the bundle disables the
// marker or no bootloader backend is configured.
func (in *Installer) openTransactionMarker() error {
	if in.txnOpened || !in.opts.Bundle.TransactionMarkerEnabled || in.opts.BootEnv == nil {
		return nil
	}
	key := in.opts.TransactionKey
	if key == "" {
		key = defaultTransactionKey
	}
	if err := in.opts.BootEnv.Set(key, "in_progress"); err != nil {
		return errs.Wrap(errs.State, err)
	}
	in.txnOpened = true
	return nil
}

// clearTransactionMarker unsets the transaction marker after every handler
// in the run has succeeded. Left untouched on any failure path, so a crash
// or aborted install leaves the marker set for the next boot to observe
// (P7: "any failure leaves it set").
func (in *Installer) clearTransactionMarker() error {
	if !in.txnOpened || in.opts.BootEnv == nil {
		return nil
	}
	key := in.opts.TransactionKey
	if key == "" {
		key = defaultTransactionKey
	}
	if err := in.opts.BootEnv.Unset(key); err != nil {
		return errs.Wrap(errs.State, err)
	}
	return nil
}

// fail runs every fail-phase script whose payload was already extracted
// (dispatchScript stashes these as their archive entries are encountered,
// rather than running them inline) and transitions the state marker to
// FAILED.
func (in *Installer) fail(cause error) error {
	if in.opts.Notify != nil {
		in.opts.Notify.Error("install failed: %v", cause)
	}
	if in.opts.Scripts != nil {
		for i := range in.opts.Bundle.Scripts {
			img := &in.opts.Bundle.Scripts[i]
			if img.Phase != manifest.PhaseFail || img.ExtractFile == "" {
				continue
			}
			in.runExtractedScript(context.Background(), img)
		}
	}
	if st := in.opts.State; st != nil {
		if next, err := Transition(StateInProgress, StateFailed); err == nil {
			_ = st.Set(next)
		}
	}
	return cause
}

func (in *Installer) runExtractedScript(ctx context.Context, img *manifest.Image) {
	f, err := os.Open(img.ExtractFile)
	if err != nil {
		return
	}
	defer f.Close()
	if err := in.opts.Scripts.Run(ctx, img, f); err != nil {
		in.opts.Notify.Error("fail-phase script %q: %v", img.Name, err)
	}
}

// dispatchScript extracts a script entry's payload to a temp file and, for
// PRE/POST scripts, runs it immediately (in its archive-encounter
// position); FAIL scripts are only ever extracted here, and run later by
// fail if the install does not succeed.
func (in *Installer) dispatchScript(ctx context.Context, img *manifest.Image, br *bundle.Reader, entry bundle.Entry) error {
	payload, verifier, err := in.openPlaintext(img, br, entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "swupdate-script-*")
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	if err := pipeline.TeeToFile(payload, tmp, 0); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := verifier.Finalize(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0700); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.Wrap(errs.Resource, err)
	}
	tmp.Close()
	img.ExtractFile = tmp.Name()
	in.extractedScriptFiles = append(in.extractedScriptFiles, tmp.Name())

	if img.Phase == manifest.PhaseFail {
		return nil
	}
	if in.opts.Scripts == nil {
		return nil
	}
	f, err := os.Open(tmp.Name())
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	defer f.Close()
	if err := in.opts.Scripts.Run(ctx, img, f); err != nil {
		return errs.Wrap(errs.Handler, err)
	}
	return nil
}

// openPlaintext builds the full byte pipeline for one archive entry: a
// wire-level reader (CRC-ASCII checksum checked by the bundle reader,
// progress reported against the declared wire size) feeding a decrypt
// stage (if the image is Encrypted) and then a decompress stage (if
// Compression is set), terminating in a second progress/hash stage that
// hashes the final plaintext bytes — spec.md §4.2's "source → decrypt →
// decompress" chain, with the SHA-256 check applying to the plaintext the
// handler actually receives rather than the bytes on the wire.
func (in *Installer) openPlaintext(img *manifest.Image, br *bundle.Reader, entry bundle.Entry) (io.Reader, *pipeline.HashVerifier, error) {
	wire := br.PayloadReader(entry, true, nil)
	wire = pipeline.WithProgressAndHash(wire, int64(entry.Header.PayloadSize), pipeline.NewHashVerifier(nil), func(pct int) {
		in.opts.Notify.Progress(img.Name, pct)
	})

	var plain io.Reader = wire
	if img.Encrypted {
		if in.opts.AESKey == nil {
			return nil, nil, errs.New(errs.BundleFormat, "image %q: encrypted images require a decrypt key, none provided", img.Name)
		}
		dr, err := pipeline.NewDecryptReader(plain, in.opts.AESKey, img.IV)
		if err != nil {
			return nil, nil, err
		}
		plain = dr
	}
	if img.Compression != manifest.CompressionNone {
		dr, err := pipeline.NewDecompressReader(plain, pipeline.CompressionKind(img.Compression))
		if err != nil {
			return nil, nil, err
		}
		plain = dr
	}

	verifier := pipeline.NewHashVerifier(img.SHA256)
	plain = pipeline.WithProgressAndHash(plain, 0, verifier, nil)
	return plain, verifier, nil
}

func (in *Installer) installOne(ctx context.Context, img *manifest.Image, br *bundle.Reader, entry bundle.Entry) error {
	fn, flags, err := in.opts.FindHandler(img)
	if err != nil {
		return err
	}
	mode := handler.EffectiveMode(img.Mode, flags)

	payload, verifier, err := in.openPlaintext(img, br, entry)
	if err != nil {
		return err
	}

	if mode == manifest.ModeSkip {
		return pipeline.Discard(payload)
	}
	if mode == manifest.ModeInstallDirectly {
		if err := in.openTransactionMarker(); err != nil {
			return err
		}
		if err := fn(ctx, img, payload, in.opts.Target); err != nil {
			return err
		}
		return verifier.Finalize()
	}

	if err := in.extractToTemp(img, payload, verifier); err != nil {
		return err
	}
	return in.dispatchExtracted(ctx, img, fn)
}

// deferImage extracts a non-partitioner image's bytes out of the archive
// stream (which can only be read once, in order) but holds its handler
// dispatch back in pending for Run to flush once the last outstanding
// partitioner image has installed. An install-directly image cannot be
// deferred this way, since its bytes are never materialized to a temp file;
// such an image arriving while a partitioner is still outstanding is a
// manifest-ordering error rather than something this run can recover from.
func (in *Installer) deferImage(img *manifest.Image, br *bundle.Reader, entry bundle.Entry, pending *[]pendingImage) error {
	fn, flags, err := in.opts.FindHandler(img)
	if err != nil {
		return err
	}
	mode := handler.EffectiveMode(img.Mode, flags)

	payload, verifier, err := in.openPlaintext(img, br, entry)
	if err != nil {
		return err
	}

	if mode == manifest.ModeSkip {
		return pipeline.Discard(payload)
	}
	if mode == manifest.ModeInstallDirectly {
		return errs.New(errs.ManifestSemantic, "image %q: install-directly images cannot follow a partitioner image in the archive; place it after every partitioner entry", img.Name)
	}

	if err := in.extractToTemp(img, payload, verifier); err != nil {
		return err
	}
	*pending = append(*pending, pendingImage{img: img, fn: fn})
	return nil
}

// extractToTemp copies payload (already decrypted/decompressed by
// openPlaintext) to a temp file, verifies its hash, and records the temp
// path on img and in extractedImageFiles for later cleanup.
func (in *Installer) extractToTemp(img *manifest.Image, payload io.Reader, verifier *pipeline.HashVerifier) error {
	tmp, err := os.CreateTemp("", "swupdate-image-*")
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	defer tmp.Close()

	if err := pipeline.TeeToFile(payload, tmp, 0); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return err
	}
	if err := verifier.Finalize(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return err
	}
	img.ExtractFile = tmp.Name()
	in.extractedImageFiles = append(in.extractedImageFiles, tmp.Name())
	return nil
}

// dispatchExtracted hands an already-extracted image's temp file to its
// handler. Used both for the immediate (non-deferred) install path and for
// flushing images that were held back behind a pending partitioner.
func (in *Installer) dispatchExtracted(ctx context.Context, img *manifest.Image, fn handler.InstallFunc) error {
	f, err := os.Open(img.ExtractFile)
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	defer f.Close()
	return fn(ctx, img, f, in.opts.Target)
}
