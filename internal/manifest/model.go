package manifest

import "github.com/swupdate/agent-core/internal/dict"

// CompressionKind mirrors spec.md §3's per-image compression kind.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionZlib
	CompressionZstd
)

// InstallMode mirrors spec.md §3's installation-mode enum.
type InstallMode int

const (
	// ModeCopyThenInstall copies the image to a temp file, then calls
	// the handler against that file.
	ModeCopyThenInstall InstallMode = iota
	// ModeSkip excludes the image from installation.
	ModeSkip
	// ModeInstallDirectly streams the image straight into its handler
	// while still reading from the bundle.
	ModeInstallDirectly
)

// DestinationKind mirrors spec.md §3's destination selector.
type DestinationKind int

const (
	DestDevicePath DestinationKind = iota
	DestVolumeName
	DestLogicalPath
)

// Image is one artifact named in the manifest (spec.md §3).
type Image struct {
	Name    string
	Version Version

	SourceOffset int64 // set when the archive has been pre-scanned
	PayloadSize  int64

	Compression CompressionKind
	Encrypted   bool
	IV          []byte // hex-decoded per-image IV override, may be nil

	SHA256 []byte // all-zero (or empty) means "do not check"

	DestKind    DestinationKind
	Dest        string
	HandlerName string
	HandlerData string

	Mode InstallMode

	// Phase only applies to entries in Bundle.Scripts; it selects when
	// the installer invokes the script relative to the image install
	// loop (spec.md §4.5).
	Phase ScriptPhase

	InstallIfDifferent bool
	InstallIfHigher    bool
	IsPartitioner      bool
	IsScript           bool
	PreserveAttributes bool

	Properties *dict.Dict

	// ExtractFile is the temp-file path populated for
	// ModeCopyThenInstall images once extraction has run.
	ExtractFile string
}

// ScriptPhase mirrors spec.md §4.5's pre/post/fail script invocation
// phases.
type ScriptPhase int

const (
	PhasePre ScriptPhase = iota
	PhasePost
	PhaseFail
)

// BootEnvOp is one bootloader-variable operation: set (Value non-empty)
// or unset (Value empty), per spec.md §3.
type BootEnvOp struct {
	Name  string
	Value string
}

// HardwareCompatEntry is either a literal revision string or, when
// prefixed with "#RE:" in the manifest, an unanchored regular expression.
type HardwareCompatEntry struct {
	Pattern string
	IsRegex bool
}

// SignerPolicy mirrors spec.md §3's signer policy.
type SignerPolicy struct {
	Purpose        string
	RequiredCommon string
}

// Bundle is the aggregate bundle descriptor built by the manifest parser
// (spec.md §3's "Bundle descriptor").
type Bundle struct {
	Name        string
	Description string
	Version     string

	HardwareCompat []HardwareCompatEntry
	RunningBoard   string
	RunningHWRev   string

	InstalledSoftware map[string]Version

	Images      []Image
	Scripts     []Image
	BootScripts []Image

	BootEnv []BootEnvOp
	Vars    *dict.Dict

	AcceptedSoftwareSets []SoftwareSetSelector

	TransactionMarkerEnabled bool
	StateMarkerEnabled       bool
	RebootRequired           bool

	EmbeddedScript []byte

	Signer SignerPolicy

	OutputCachePath string
}

// SoftwareSetSelector names one accepted (software-set, running-mode)
// pair, per spec.md §4.6's install-request validation.
type SoftwareSetSelector struct {
	SoftwareSet string
	RunningMode string
}

// HardwareCompatible reports whether hwRevision satisfies b's
// hardware-compatibility list: a literal match, or (for entries beginning
// with "#RE:") an unanchored extended-regex match.
func (b *Bundle) HardwareCompatible(hwRevision string) (bool, error) {
	if len(b.HardwareCompat) == 0 {
		return true, nil
	}
	for _, entry := range b.HardwareCompat {
		if !entry.IsRegex {
			if entry.Pattern == hwRevision {
				return true, nil
			}
			continue
		}
		ok, err := regexMatch(entry.Pattern, hwRevision)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
