package manifest

import (
	"strings"

	"github.com/swupdate/agent-core/internal/errs"
)

// maxLinkDepth bounds how many chained "ref" links FollowLink will
// traverse before declaring a loop, per spec.md §4.3.
const maxLinkDepth = 10

// maxParsedNodes bounds the depth of a single resolved path, mirroring
// MAX_PARSED_NODES.
const maxParsedNodes = 20

// isLink reports whether n is a link node: a mapping whose only field is
// "ref".
func isLink(n Node) (string, bool) {
	if !n.IsMapping() {
		return "", false
	}
	ref, ok := n.GetFieldString("ref")
	if !ok {
		return "", false
	}
	count := 0
	_ = n.IterateMapping(func(string, Node) error {
		count++
		return nil
	})
	if count != 1 {
		return "", false
	}
	return ref, true
}

// resolvePath resolves "." and ".." segments against an (initially empty,
// root-relative) path. Per the design's resolution of the source's
// underspecified set_find_path behavior (SPEC_FULL.md §13.3), a ".." that
// would walk above the root is a hard error, never silently clamped.
func resolvePath(segments []string) ([]string, error) {
	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, errs.New(errs.ManifestSemantic, "link path escapes document root")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	if len(out) > maxParsedNodes {
		return nil, errs.New(errs.ManifestSemantic, "link path exceeds %d segments", maxParsedNodes)
	}
	return out, nil
}

// lookupPath walks root by successive GetChild calls.
func lookupPath(root Node, path []string) (Node, error) {
	cur := root
	for _, seg := range path {
		child, ok := cur.GetChild(seg)
		if !ok {
			return Node{}, errs.New(errs.ManifestSemantic, "link path segment %q not found", seg)
		}
		cur = child
	}
	return cur, nil
}

// FollowLink resolves n if it is a link node (or a chain of them),
// bounded by maxLinkDepth. All refs are resolved from the document root:
// "#/a/b/c" finds root.a.b.c, and ".." segments pop back up within that
// resolved path before it is looked up.
func FollowLink(root Node, n Node) (Node, error) {
	for depth := 0; ; depth++ {
		ref, ok := isLink(n)
		if !ok {
			return n, nil
		}
		if depth >= maxLinkDepth {
			return Node{}, errs.New(errs.ManifestSemantic, "link loop or chain deeper than %d", maxLinkDepth)
		}
		if !strings.HasPrefix(ref, "#/") {
			return Node{}, errs.New(errs.ManifestSemantic, "invalid link ref %q: must start with \"#/\"", ref)
		}
		segments := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
		resolved, err := resolvePath(segments)
		if err != nil {
			return Node{}, err
		}
		target, err := lookupPath(root, resolved)
		if err != nil {
			return Node{}, err
		}
		n = target
	}
}
