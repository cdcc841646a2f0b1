package manifest

import (
	"encoding/hex"
	"sort"

	"github.com/swupdate/agent-core/internal/dict"
	"github.com/swupdate/agent-core/internal/errs"
)

// Hook evaluates an embedded-script function against one image's
// properties (spec.md §4.3's per-element "hook" mechanism). A truthy
// return skips the element. If no interpreter is linked, any manifest
// declaring "embedded-script" or a per-element "hook" must be rejected at
// parse time (spec.md §9's design note); callers that don't need embedded
// scripting leave Options.Hook nil, and ParseManifest then rejects such
// manifests.
type Hook interface {
	Eval(fn string, imageTable map[string]string) (bool, error)
}

// Options configures one manifest parse, carrying the board-conditional
// lookup context from spec.md §4.3.
type Options struct {
	Board             string
	HWRevision        string
	SoftwareSet       string
	RunningMode       string
	InstalledSoftware map[string]Version
	Hook              Hook
}

// ParseManifest parses data (auto-detecting JSON vs. libconfig syntax)
// into a Bundle, applying board-conditional section overrides, hardware
// compatibility, skip policy, and embedded-script hooks.
func ParseManifest(data []byte, opts Options) (*Bundle, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		InstalledSoftware:        opts.InstalledSoftware,
		Vars:                     dict.New(),
		TransactionMarkerEnabled: true,
		StateMarkerEnabled:       true,
	}

	version, ok := root.GetFieldString("version")
	if !ok {
		return nil, errs.New(errs.ManifestSyntax, "manifest missing mandatory field \"version\"")
	}
	b.Version = version
	b.Description, _ = root.GetFieldString("description")
	if reboot, ok := root.GetFieldBool("reboot"); ok {
		b.RebootRequired = reboot
	}
	b.OutputCachePath, _ = root.GetFieldString("output")
	if v, ok := root.GetFieldBool("bootloader_state_marker"); ok {
		b.StateMarkerEnabled = v
	}
	if v, ok := root.GetFieldBool("bootloader_transaction_marker"); ok {
		b.TransactionMarkerEnabled = v
	}

	if node, ok, err := findSection(root, opts, "hardware-compatibility"); err != nil {
		return nil, err
	} else if ok {
		n := node.GetArrayLength()
		var hwErrs errs.Collector
		for i := 0; i < n; i++ {
			elem, _ := node.GetElemAt(i)
			s, ok := elem.String()
			if !ok {
				hwErrs.Addf(errs.ManifestSyntax, "hardware-compatibility[%d] is not a string", i)
				continue
			}
			b.HardwareCompat = append(b.HardwareCompat, parseHardwareCompatEntry(s))
		}
		if !hwErrs.OK() {
			return nil, hwErrs.Err()
		}
	}
	b.RunningBoard = opts.Board
	b.RunningHWRev = opts.HWRevision
	if ok, err := b.HardwareCompatible(opts.HWRevision); err != nil {
		return nil, errs.Wrap(errs.ManifestSemantic, err)
	} else if !ok {
		return nil, errs.New(errs.ManifestSemantic, "hardware revision %q not compatible with this bundle", opts.HWRevision)
	}

	if es, ok, err := findSection(root, opts, "embedded-script"); err != nil {
		return nil, err
	} else if ok {
		s, _ := es.String()
		b.EmbeddedScript = []byte(s)
	}
	if len(b.EmbeddedScript) > 0 && opts.Hook == nil {
		return nil, errs.New(errs.ManifestSemantic, "manifest declares embedded-script but no script interpreter is linked")
	}

	// The four element lists are parsed independently and their errors
	// collected together, so a manifest with several broken entries
	// (a bad image here, an unrecognized phase there) reports all of them
	// in one pass rather than stopping at the first, mirroring the
	// teacher's ErrorCollector-driven validation.
	var listErrs errs.Collector
	images, err := parseImageList(root, opts, b, "images", false)
	listErrs.Add(err)
	files, err := parseImageList(root, opts, b, "files", false)
	listErrs.Add(err)
	scripts, err := parseImageList(root, opts, b, "scripts", true)
	listErrs.Add(err)
	bootscripts, err := parseImageList(root, opts, b, "bootscripts", true)
	listErrs.Add(err)
	if !listErrs.OK() {
		return nil, listErrs.Err()
	}
	b.Images = append(images, files...)
	b.Scripts = scripts
	b.BootScripts = bootscripts

	if err := applyPartitionFlags(root, opts, b); err != nil {
		return nil, err
	}
	if err := checkInstallDirectlyConflicts(b); err != nil {
		return nil, err
	}

	if err := parseBootEnv(root, opts, b); err != nil {
		return nil, err
	}
	if err := parseVars(root, opts, b); err != nil {
		return nil, err
	}
	if err := parseAcceptedSoftwareSets(root, b); err != nil {
		return nil, err
	}

	return b, nil
}

// findSection implements spec.md §4.3's priority-ordered section lookup:
// (a) software.<board>.<set>.<mode>.X, (b) software.<set>.<mode>.X,
// (c) software.<board>.X, (d) software.X. The first candidate whose full
// path exists wins.
func findSection(root Node, opts Options, name string) (Node, bool, error) {
	software, ok := root.GetChild("software")
	if !ok {
		return Node{}, false, nil
	}
	candidates := [][]string{}
	if opts.Board != "" && opts.SoftwareSet != "" && opts.RunningMode != "" {
		candidates = append(candidates, []string{opts.Board, opts.SoftwareSet, opts.RunningMode, name})
	}
	if opts.SoftwareSet != "" && opts.RunningMode != "" {
		candidates = append(candidates, []string{opts.SoftwareSet, opts.RunningMode, name})
	}
	if opts.Board != "" {
		candidates = append(candidates, []string{opts.Board, name})
	}
	candidates = append(candidates, []string{name})

	for _, segs := range candidates {
		node, found, err := navigatePath(root, software, segs)
		if err != nil {
			return Node{}, false, err
		}
		if found {
			return node, true, nil
		}
	}
	return Node{}, false, nil
}

func navigatePath(root, cur Node, segments []string) (Node, bool, error) {
	n := cur
	for _, seg := range segments {
		resolved, err := FollowLink(root, n)
		if err != nil {
			return Node{}, false, err
		}
		child, ok := resolved.GetChild(seg)
		if !ok {
			return Node{}, false, nil
		}
		n = child
	}
	resolved, err := FollowLink(root, n)
	if err != nil {
		return Node{}, false, err
	}
	return resolved, true, nil
}

func parseImageList(root Node, opts Options, b *Bundle, sectionName string, isScript bool) ([]Image, error) {
	node, ok, err := findSection(root, opts, sectionName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var out []Image
	var coll errs.Collector
	n := node.GetArrayLength()
	for i := 0; i < n; i++ {
		elem, _ := node.GetElemAt(i)
		elem, err = FollowLink(root, elem)
		if err != nil {
			coll.Add(err)
			continue
		}
		img, skip, err := parseOneImage(elem, opts, b, isScript)
		if err != nil {
			coll.Add(err)
			continue
		}
		if skip {
			continue
		}
		out = append(out, img)
	}
	return out, coll.Err()
}

func parseOneImage(n Node, opts Options, b *Bundle, isScript bool) (Image, bool, error) {
	img := Image{IsScript: isScript, Properties: dict.New()}

	name, ok := n.GetFieldString("name")
	if !ok {
		return Image{}, false, errs.New(errs.ManifestSyntax, "image entry missing \"name\"")
	}
	img.Name = name

	if vs, ok := n.GetFieldString("version"); ok {
		img.Version = ParseVersion(vs)
	}

	switch comp, _ := n.GetFieldString("compressed"); comp {
	case "zlib":
		img.Compression = CompressionZlib
	case "zstd":
		img.Compression = CompressionZstd
	case "", "none":
		img.Compression = CompressionNone
	default:
		return Image{}, false, errs.New(errs.ManifestSemantic, "image %q: unrecognized compression %q", name, comp)
	}

	if enc, ok := n.GetFieldBool("encrypted"); ok {
		img.Encrypted = enc
	}
	if ivHex, ok := n.GetFieldString("iv"); ok {
		iv, err := hex.DecodeString(ivHex)
		if err != nil {
			return Image{}, false, errs.New(errs.ManifestSyntax, "image %q: invalid iv hex: %v", name, err)
		}
		img.IV = iv
	}
	if shaHex, ok := n.GetFieldString("sha256"); ok {
		sum, err := hex.DecodeString(shaHex)
		if err != nil {
			return Image{}, false, errs.New(errs.ManifestSyntax, "image %q: invalid sha256 hex: %v", name, err)
		}
		img.SHA256 = sum
	}

	switch {
	case exists(n, "device"):
		img.DestKind = DestDevicePath
		img.Dest, _ = n.GetFieldString("device")
	case exists(n, "volume"):
		img.DestKind = DestVolumeName
		img.Dest, _ = n.GetFieldString("volume")
	case exists(n, "path"):
		img.DestKind = DestLogicalPath
		img.Dest, _ = n.GetFieldString("path")
	}

	img.HandlerName, _ = n.GetFieldString("handler")
	img.HandlerData, _ = n.GetFieldString("data")

	img.Phase = PhasePost
	if isScript {
		switch phase, _ := n.GetFieldString("phase"); phase {
		case "pre":
			img.Phase = PhasePre
		case "fail":
			img.Phase = PhaseFail
		case "", "post":
			img.Phase = PhasePost
		default:
			return Image{}, false, errs.New(errs.ManifestSemantic, "script %q: unrecognized phase %q", name, phase)
		}
	}

	if v, ok := n.GetFieldBool("install-if-different"); ok {
		img.InstallIfDifferent = v
	}
	if v, ok := n.GetFieldBool("install-if-higher"); ok {
		img.InstallIfHigher = v
	}
	if v, ok := n.GetFieldBool("preserve-attributes"); ok {
		img.PreserveAttributes = v
	}
	directly := false
	if v, ok := n.GetFieldBool("installed-directly"); ok {
		directly = v
	}
	if v, ok := n.GetFieldBool("install-directly"); ok {
		directly = directly || v
	}
	if directly {
		img.Mode = ModeInstallDirectly
	}

	if props, ok := n.GetChild("properties"); ok {
		_ = props.IterateMapping(func(key string, child Node) error {
			if s, ok := child.String(); ok {
				img.Properties.Add(key, s)
			}
			return nil
		})
	}

	// skip policy (spec.md §4.3): evaluated once, at parse time, against
	// a snapshot of the installed-software table, per
	// original_source/corelib/installer.c (SPEC_FULL.md §12).
	if explicitSkip, ok := n.GetFieldBool("skip"); ok && explicitSkip {
		return Image{}, true, nil
	}
	if installed, ok := b.InstalledSoftware[img.Name]; ok {
		if img.InstallIfDifferent && installed.Equal(img.Version) {
			return Image{}, true, nil
		}
		if img.InstallIfHigher && !img.Version.Higher(installed) {
			return Image{}, true, nil
		}
	}

	if hookName, ok := n.GetFieldString("hook"); ok {
		if opts.Hook == nil {
			return Image{}, false, errs.New(errs.ManifestSemantic, "image %q declares hook %q but no script interpreter is linked", name, hookName)
		}
		table := map[string]string{"name": img.Name, "version": img.Version.String()}
		for _, e := range img.Properties.Entries() {
			table[e.Key] = e.Value
		}
		truthy, err := opts.Hook.Eval(hookName, table)
		if err != nil {
			return Image{}, false, errs.Wrap(errs.ManifestSemantic, err)
		}
		if truthy {
			return Image{}, true, nil
		}
	}

	return img, false, nil
}

func exists(n Node, field string) bool {
	_, ok := n.GetChild(field)
	return ok
}

// applyPartitionFlags marks images named in the "partitions" section as
// partitioners and moves them to the front of b.Images, per spec.md §4.3.
func applyPartitionFlags(root Node, opts Options, b *Bundle) error {
	node, ok, err := findSection(root, opts, "partitions")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	names := map[string]bool{}
	n := node.GetArrayLength()
	for i := 0; i < n; i++ {
		elem, _ := node.GetElemAt(i)
		if s, ok := elem.String(); ok {
			names[s] = true
		}
	}
	if len(names) == 0 {
		return nil
	}
	var partitioners, rest []Image
	for _, img := range b.Images {
		if names[img.Name] {
			img.IsPartitioner = true
			partitioners = append(partitioners, img)
		} else {
			rest = append(rest, img)
		}
	}
	b.Images = append(partitioners, rest...)
	return nil
}

// checkInstallDirectlyConflicts implements the design's resolution of
// spec.md §9's open question: two images both marked install-directly
// (which would both need to stream from the same forward-only archive
// entry position) is a manifest-build-time error.
func checkInstallDirectlyConflicts(b *Bundle) error {
	seen := map[string]bool{}
	for _, img := range b.Images {
		if img.Mode != ModeInstallDirectly {
			continue
		}
		if seen[img.Name] {
			return errs.New(errs.ManifestSemantic, "image %q: multiple install-directly entries", img.Name)
		}
		seen[img.Name] = true
	}
	return nil
}

func parseBootEnv(root Node, opts Options, b *Bundle) error {
	for _, section := range []string{"bootenv", "uboot"} {
		node, ok, err := findSection(root, opts, section)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n := node.GetArrayLength()
		for i := 0; i < n; i++ {
			elem, _ := node.GetElemAt(i)
			elem, err := FollowLink(root, elem)
			if err != nil {
				return err
			}
			if name, ok := elem.GetFieldString("name"); ok {
				value, _ := elem.GetFieldString("value")
				b.BootEnv = append(b.BootEnv, BootEnvOp{Name: name, Value: value})
				continue
			}
			// element without "name" is a boot-script descriptor,
			// evaluated like other scripts at install time.
			img, skip, err := parseOneImage(elem, opts, b, true)
			if err != nil {
				return err
			}
			if !skip {
				b.BootScripts = append(b.BootScripts, img)
			}
		}
	}
	return nil
}

func parseVars(root Node, opts Options, b *Bundle) error {
	node, ok, err := findSection(root, opts, "vars")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return node.IterateMapping(func(key string, child Node) error {
		if s, ok := child.String(); ok {
			b.Vars.Add(key, s)
		}
		return nil
	})
}

func parseAcceptedSoftwareSets(root Node, b *Bundle) error {
	node, ok := root.GetChild("accepted-software-sets")
	if !ok {
		return nil
	}
	n := node.GetArrayLength()
	sets := make([]SoftwareSetSelector, 0, n)
	for i := 0; i < n; i++ {
		elem, _ := node.GetElemAt(i)
		set, _ := elem.GetFieldString("software-set")
		mode, _ := elem.GetFieldString("running-mode")
		sets = append(sets, SoftwareSetSelector{SoftwareSet: set, RunningMode: mode})
	}
	sort.Slice(sets, func(i, j int) bool {
		if sets[i].SoftwareSet != sets[j].SoftwareSet {
			return sets[i].SoftwareSet < sets[j].SoftwareSet
		}
		return sets[i].RunningMode < sets[j].RunningMode
	})
	b.AcceptedSoftwareSets = sets
	return nil
}
