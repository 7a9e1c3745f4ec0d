package paths

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// ErrInvalidPath is returned for paths the data model cannot express:
// double wildcards, wildcards outside the final component, wildcards on
// directories, and directory-valued non-recursive outputs.
var ErrInvalidPath = errors.New("invalid path")

// Kind classifies a parsed path.
type Kind string

const (
	KindLocalFile  Kind = "local-file"
	KindLocalDir   Kind = "local-dir"
	KindRemoteFile Kind = "remote-file"
	KindRemoteDir  Kind = "remote-dir"
	KindMount      Kind = "mount-ref"
)

// Role is the data-disk subdirectory a path is staged under.
type Role string

const (
	RoleInput  Role = types.InputDir
	RoleOutput Role = types.OutputDir
	RoleMount  Role = types.MountDir
)

// Path is a classified user-supplied location with a derived in-container
// representation. Construction validates wildcard placement; a Path that
// exists is well-formed.
type Path struct {
	// Raw is the value as the user supplied it, trailing slash normalized
	// away for directories.
	Raw string

	// Scheme is "gs" or "file" for remote paths, empty for plain local
	// paths.
	Scheme string

	Role      Role
	Kind      Kind
	Recursive bool
}

// SplitScheme separates a scheme prefix from the rest of the path.
// Returns an empty scheme for plain local paths.
func SplitScheme(raw string) (scheme, rest string) {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i], raw[i+len("://"):]
	}
	return "", raw
}

// IsRemote reports whether raw carries a recognized remote scheme prefix.
func IsRemote(raw string) bool {
	scheme, _ := SplitScheme(raw)
	return scheme != ""
}

// Parse validates and classifies a user path for the given role.
func Parse(raw string, role Role, recursive bool) (*Path, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.Contains(raw, "**") {
		return nil, fmt.Errorf("%w: %q: recursive wildcards (**) are not supported", ErrInvalidPath, raw)
	}

	scheme, rest := SplitScheme(raw)
	if rest == "" {
		return nil, fmt.Errorf("%w: %q: no path after scheme", ErrInvalidPath, raw)
	}

	isDir := strings.HasSuffix(rest, "/")
	trimmed := raw
	if isDir {
		trimmed = strings.TrimSuffix(raw, "/")
	}

	wildcard := strings.Contains(rest, "*")
	if wildcard {
		if recursive || role == RoleMount {
			return nil, fmt.Errorf("%w: %q: wildcards are not allowed on directories", ErrInvalidPath, raw)
		}
		if isDir {
			return nil, fmt.Errorf("%w: %q: wildcards are only allowed on files", ErrInvalidPath, raw)
		}
		// A wildcard may appear only in the final filename component.
		dir := path.Dir(strings.TrimSuffix(rest, "/"))
		if strings.Contains(dir, "*") {
			return nil, fmt.Errorf("%w: %q: wildcards are only allowed in the filename", ErrInvalidPath, raw)
		}
	}

	if role == RoleOutput && !recursive && isDir {
		return nil, fmt.Errorf("%w: %q: output must name a file or wildcard, not a directory", ErrInvalidPath, raw)
	}

	kind := classify(scheme, role, recursive || isDir)

	return &Path{
		Raw:       trimmed,
		Scheme:    scheme,
		Role:      role,
		Kind:      kind,
		Recursive: recursive,
	}, nil
}

func classify(scheme string, role Role, dir bool) Kind {
	if role == RoleMount {
		return KindMount
	}
	remote := scheme != ""
	switch {
	case remote && dir:
		return KindRemoteDir
	case remote:
		return KindRemoteFile
	case dir:
		return KindLocalDir
	default:
		return KindLocalFile
	}
}

// IsWildcard reports whether the final component carries a wildcard.
func (p *Path) IsWildcard() bool {
	return strings.Contains(path.Base(p.rest()), "*")
}

// IsDir reports whether the path is treated as a directory.
func (p *Path) IsDir() bool {
	return p.Recursive || p.Kind == KindRemoteDir || p.Kind == KindLocalDir || p.Kind == KindMount
}

func (p *Path) rest() string {
	_, rest := SplitScheme(p.Raw)
	return rest
}

// ContainerPath derives where the path lives inside the container:
// <data-root>/<role>/<scheme>/<host-and-path> for remote paths and
// <data-root>/<role>/<absolute-local-path> for local paths. Wildcards are
// preserved so the user's shell can expand them.
func (p *Path) ContainerPath() string {
	rest := p.rest()
	if p.Scheme != "" {
		return path.Join(types.DataMountPoint, string(p.Role), p.Scheme, rest)
	}
	return path.Join(types.DataMountPoint, string(p.Role), rest)
}

// ContainerDir is the directory portion of the container path. For
// directories it is the container path itself; for files and wildcards it
// is the parent. The prepare phase creates these before the user command
// runs.
func (p *Path) ContainerDir() string {
	if p.IsDir() {
		return p.ContainerPath()
	}
	return path.Dir(p.ContainerPath())
}

// RemoteDir is the remote location the container directory corresponds to:
// the path itself for directories, the parent (with trailing slash) for
// files and wildcards.
func (p *Path) RemoteDir() string {
	if p.IsDir() {
		return p.Raw + "/"
	}
	scheme, rest := SplitScheme(p.Raw)
	dir := path.Dir(rest) + "/"
	if scheme != "" {
		return scheme + "://" + dir
	}
	return dir
}
