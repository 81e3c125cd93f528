package tpbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Clean removes everything a previous run produced for deps: build dirs and
// stamps of every variant, extracted sources and downloaded archives.
// Installed prefixes are left alone.
func (b *Builder) Clean(deps []*Descriptor) error {
	for _, dep := range deps {
		logStep("Cleaning %s", dep.Name)
		var paths []string
		for _, v := range allVariants {
			paths = append(paths, b.Layout.BuildDir(v, dep), b.Layout.BuildLog(v, dep))
		}
		paths = append(paths, b.Layout.SourcePath(dep))
		for _, archive := range dep.Archives() {
			paths = append(paths, b.Layout.ArchivePath(archive))
		}
		for _, p := range paths {
			if err := b.Layout.removePath(p); err != nil {
				return err
			}
		}
		if err := b.Stamps.Forget(dep); err != nil {
			return err
		}
	}
	return nil
}

// removePath deletes path, which must lie strictly inside the third-party root.
func (l Layout) removePath(path string) error {
	if !l.contains(path) {
		return fmt.Errorf("%w: refusing to remove %s outside %s", ErrFilesystem, path, l.Root)
	}
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	debugf("Removing %s\n", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

func (l Layout) contains(path string) bool {
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
