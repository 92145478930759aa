package task

import "path/filepath"

// Resolver maps a BaseDirectory to an absolute filesystem prefix. Supplied by
// internal/platform so internal/task stays free of OS-specific path logic.
type Resolver interface {
	BasePath(b BaseDirectory) (string, error)
}

// ResolvedPath computes the destination path: resolve(baseDirectory) /
// directory / filename (spec.md §3). BaseRoot resolves to an empty prefix,
// so an absolute destination must be encoded entirely in Directory.
func (t Task) ResolvedPath(r Resolver) (string, error) {
	prefix := ""

	if t.BaseDirectory != BaseRoot {
		p, err := r.BasePath(t.BaseDirectory)
		if err != nil {
			return "", err
		}

		prefix = p
	}

	return filepath.Join(prefix, t.Directory, t.Filename), nil
}
