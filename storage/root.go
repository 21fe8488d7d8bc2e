package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Root identifies one of the two storage roots.
// The numeric values are persisted and must not change.
type Root int

const (
	// RootDefault is a selector alias for whichever root is currently active.
	// It is never persisted.
	RootDefault Root = 0
	// RootPrimary is the fast, capacity-constrained root. Always present.
	RootPrimary Root = 1
	// RootSecondary is the larger root on removable media. May be absent.
	RootSecondary Root = 2
)

func (r Root) String() string {
	switch r {
	case RootDefault:
		return "default"
	case RootPrimary:
		return "primary"
	case RootSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("root(%d)", int(r))
	}
}

// Valid reports whether r is a concrete, persistable root.
func (r Root) Valid() bool {
	return r == RootPrimary || r == RootSecondary
}

// Other returns the opposite concrete root.
func (r Root) Other() Root {
	if r == RootPrimary {
		return RootSecondary
	}
	return RootPrimary
}

// MarshalText encodes the root by name.
func (r Root) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (r *Root) UnmarshalText(b []byte) error {
	v, err := ParseRoot(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRoot converts a user-facing name ("primary", "internal", "secondary",
// "external", "default") into a Root.
func ParseRoot(s string) (Root, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "internal", "1":
		return RootPrimary, nil
	case "secondary", "external", "2":
		return RootSecondary, nil
	case "default", "current", "0":
		return RootDefault, nil
	}
	return RootDefault, fmt.Errorf("%w: %q", ErrInvalidRoot, s)
}

// RootPaths is a snapshot of the absolute root paths observed at one moment.
// Secondary is empty when the secondary root is absent.
type RootPaths struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// HasSecondary reports whether the secondary root was present.
func (p RootPaths) HasSecondary() bool {
	return p.Secondary != ""
}

// Path returns the path of a concrete root and whether it is present.
func (p RootPaths) Path(r Root) (string, bool) {
	switch r {
	case RootPrimary:
		return p.Primary, p.Primary != ""
	case RootSecondary:
		return p.Secondary, p.Secondary != ""
	}
	return "", false
}

// RootProvider reports where the roots live right now. Implementations must
// recompute on every call, removable media can come and go between calls.
type RootProvider interface {
	PrimaryPath() string
	SecondaryPath() (string, bool)
}

// Snapshot reads both root paths from a provider.
func Snapshot(p RootProvider) RootPaths {
	paths := RootPaths{Primary: p.PrimaryPath()}
	if sec, ok := p.SecondaryPath(); ok {
		paths.Secondary = sec
	}
	return paths
}

// DirProvider resolves roots from configured directories.
//
// The primary root is Primary itself and is created on demand. The secondary
// root is AppDir inside SecondaryMount; it counts as present only while the
// mount point exists and AppDir exists there or can be created. A read-only or
// missing mount therefore reports the secondary root as absent.
type DirProvider struct {
	Fs             afero.Fs
	Primary        string
	SecondaryMount string
	AppDir         string
}

// NewDirProvider returns a DirProvider on the OS filesystem.
func NewDirProvider(primary, secondaryMount, appDir string) *DirProvider {
	return &DirProvider{
		Fs:             afero.NewOsFs(),
		Primary:        primary,
		SecondaryMount: secondaryMount,
		AppDir:         appDir,
	}
}

func (d *DirProvider) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

// PrimaryPath returns the absolute primary root, creating it if missing.
func (d *DirProvider) PrimaryPath() string {
	abs := absPath(d.Primary)
	if err := d.fs().MkdirAll(abs, 0755); err != nil {
		sub("provider").Warn("primary root not creatable", "path", abs, "err", err)
	}
	return abs
}

// SecondaryPath returns the absolute secondary root when it is usable.
func (d *DirProvider) SecondaryPath() (string, bool) {
	l := sub("provider")
	if d.SecondaryMount == "" {
		return "", false
	}
	mount := absPath(d.SecondaryMount)
	info, err := d.fs().Stat(mount)
	if err != nil || !info.IsDir() {
		l.Debug("secondary mount absent", "mount", mount)
		return "", false
	}

	root := mount
	if d.AppDir != "" {
		root = filepath.Join(mount, d.AppDir)
	}
	if err := d.fs().MkdirAll(root, 0755); err != nil {
		l.Debug("secondary root not writable", "path", root, "err", err)
		return "", false
	}
	if !writable(d.fs(), root) {
		l.Debug("secondary root read-only", "path", root)
		return "", false
	}
	return root, true
}

// writable probes a directory by creating and removing a marker file.
func writable(fsys afero.Fs, dir string) bool {
	f, err := afero.TempFile(fsys, dir, ".probe-")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	fsys.Remove(name) //nolint:errcheck
	return true
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// StaticProvider returns fixed paths. Used in tests and by embedders that
// resolve mounts themselves.
type StaticProvider struct {
	Primary   string
	Secondary string
}

func (s *StaticProvider) PrimaryPath() string { return s.Primary }

func (s *StaticProvider) SecondaryPath() (string, bool) {
	return s.Secondary, s.Secondary != ""
}

var _ RootProvider = (*DirProvider)(nil)
var _ RootProvider = (*StaticProvider)(nil)

// exists is a small helper over afero.Exists that treats errors as absent.
func exists(fsys afero.Fs, path string) bool {
	ok, err := afero.Exists(fsys, path)
	return err == nil && ok
}
