package tpbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	catalogFileName  = "thirdparty.hcl"
	checksumFileName = "thirdparty_src_checksums.txt"
	definitionsDir   = "build_definitions"
	lockFileName     = ".tpbuild.lock"
)

// Layout resolves every path under the third-party root.
type Layout struct {
	Root string
}

func (l Layout) DownloadDir() string    { return filepath.Join(l.Root, "download") }
func (l Layout) SrcDir() string         { return filepath.Join(l.Root, "src") }
func (l Layout) BuildRoot() string      { return filepath.Join(l.Root, "build") }
func (l Layout) InstalledRoot() string  { return filepath.Join(l.Root, "installed") }
func (l Layout) PatchDir() string       { return filepath.Join(l.Root, "patches") }
func (l Layout) DefinitionsDir() string { return filepath.Join(l.Root, definitionsDir) }
func (l Layout) CatalogFile() string    { return filepath.Join(l.Root, catalogFileName) }
func (l Layout) ChecksumFile() string   { return filepath.Join(l.Root, checksumFileName) }
func (l Layout) LockFile() string       { return filepath.Join(l.Root, lockFileName) }

// Prefix is the install prefix of variant v.
func (l Layout) Prefix(v Variant) string {
	return filepath.Join(l.InstalledRoot(), string(v))
}

// StdlibPrefix holds the instrumented libc++ of variant v.
func (l Layout) StdlibPrefix(v Variant) string {
	return filepath.Join(l.Prefix(v), "libcxx")
}

// SourcePath is where dep's sources are extracted.
func (l Layout) SourcePath(dep *Descriptor) string {
	return filepath.Join(l.SrcDir(), dep.Dir)
}

// ArchivePath is where an archive is downloaded.
func (l Layout) ArchivePath(archive string) string {
	return filepath.Join(l.DownloadDir(), archive)
}

// BuildDir is the per-variant build directory of dep.
func (l Layout) BuildDir(v Variant, dep *Descriptor) string {
	return filepath.Join(l.BuildRoot(), string(v), dep.Dir)
}

// BuildLog receives recipe output of dep in variant v when not verbose.
func (l Layout) BuildLog(v Variant, dep *Descriptor) string {
	return filepath.Join(l.BuildRoot(), string(v), dep.Name+".log")
}

// StampPath is the fingerprint stamp of dep in variant v.
func (l Layout) StampPath(v Variant, dep *Descriptor) string {
	return filepath.Join(l.BuildRoot(), string(v), ".build-stamp-"+dep.Name)
}

// prepareOutDirs creates lib and include under each prefix and its libcxx
// subdirectory, with lib64 as a relative symlink to lib.
func (l Layout) prepareOutDirs(variants []Variant) error {
	for _, v := range variants {
		for _, prefix := range []string{l.Prefix(v), l.StdlibPrefix(v)} {
			for _, sub := range []string{"lib", "include"} {
				if err := os.MkdirAll(filepath.Join(prefix, sub), 0o755); err != nil {
					return fmt.Errorf("%w: %v", ErrFilesystem, err)
				}
			}
			if err := ensureLib64(prefix); err != nil {
				return err
			}
		}
	}
	return nil
}

func ensureLib64(prefix string) error {
	link := filepath.Join(prefix, "lib64")
	fi, err := os.Lstat(link)
	if err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return fmt.Errorf("%w: %s exists and is not a symlink", ErrFilesystem, link)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if err := os.Symlink("lib", link); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// requireDir fails unless path is an existing directory.
func requireDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrFilesystem, path)
	}
	return nil
}
