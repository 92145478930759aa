// Package platform is the minimal platform-abstraction layer used by the
// rest of the engine: base-directory resolution, metered-network detection,
// available disk space, and atomic-or-copy file moves (spec.md §9 design
// note on collapsing platform duplication into one engine).
package platform

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// appName namespaces on-disk directories, matching the teacher's XDG layout
// convention (internal/config/paths.go).
const appName = "xfer-engine"

// Platform resolves base directories and host-machine facts for the engine.
type Platform struct {
	// roots overrides BasePath resolution for tests; nil means "use real
	// OS directories".
	roots map[task.BaseDirectory]string
}

// New returns a Platform backed by real OS directories.
func New() *Platform {
	return &Platform{}
}

// NewWithRoots returns a Platform whose BasePath resolution is pinned to the
// given directories, for hermetic tests.
func NewWithRoots(roots map[task.BaseDirectory]string) *Platform {
	return &Platform{roots: roots}
}

// ErrUnknownBaseDirectory is returned by BasePath for an unrecognized value.
var ErrUnknownBaseDirectory = errors.New("platform: unknown base directory")

// errUnsupportedPlatform is returned by SpaceAvailable on platforms without
// a statfs-equivalent syscall wired up.
var errUnsupportedPlatform = errors.New("platform: disk space check unsupported on this platform")

// BasePath resolves a symbolic BaseDirectory to an absolute path prefix.
// task.BaseRoot is never passed here by Task.ResolvedPath (it resolves to
// the empty prefix directly).
func (p *Platform) BasePath(b task.BaseDirectory) (string, error) {
	if p.roots != nil {
		if root, ok := p.roots[b]; ok {
			return root, nil
		}

		return "", ErrUnknownBaseDirectory
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch b {
	case task.BaseApplicationDocuments:
		return filepath.Join(home, "Documents", appName), nil
	case task.BaseTemporary:
		return filepath.Join(os.TempDir(), appName), nil
	case task.BaseApplicationSupport:
		return supportDir(home), nil
	case task.BaseApplicationLibrary:
		return libraryDir(home), nil
	default:
		return "", ErrUnknownBaseDirectory
	}
}

// supportDir returns the per-platform application-support directory.
func supportDir(home string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "share", appName)
	}
}

// libraryDir returns the per-platform application-library directory (caches,
// preferences — distinct from application support on Apple platforms).
func libraryDir(home string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", appName)
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	}
}

// MoveFile moves src to dst, renaming when they share a volume and falling
// back to copy-then-delete otherwise (spec.md §6.3). Parent directories of
// dst are created with default permissions.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil { //nolint:mnd // shared default dir perms
		return err
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrInvalid) && !isCrossDevice(err) {
		// Rename failed for a reason other than crossing a volume boundary;
		// still attempt the copy fallback since the spec only distinguishes
		// same-volume vs. cross-volume, not OS-specific rename failure modes.
		return copyThenDelete(src, dst)
	}

	return copyThenDelete(src, dst)
}

func copyThenDelete(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:mnd // default file perms
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
