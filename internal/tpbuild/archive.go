package tpbuild

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

type compression int

const (
	compressNone compression = iota
	compressGzip
	compressBzip2
	compressXZ
	compressZstd
	compressZip
)

// archiveType maps a filename suffix to its extraction command. "{}" in
// command is replaced by the archive path.
type archiveType struct {
	suffix  string
	command []string
	native  compression
}

// archiveTypes is matched in order, longest suffixes first.
var archiveTypes = []archiveType{
	{".tar.bz2", []string{"tar", "xf", "{}"}, compressBzip2},
	{".tar.gz", []string{"tar", "xf", "{}"}, compressGzip},
	{".tar.xz", []string{"tar", "xf", "{}"}, compressXZ},
	{".tar.zst", []string{"tar", "--zstd", "-xf", "{}"}, compressZstd},
	{".tbz2", []string{"tar", "xf", "{}"}, compressBzip2},
	{".tgz", []string{"tar", "xf", "{}"}, compressGzip},
	{".tar", []string{"tar", "xf", "{}"}, compressNone},
	{".zip", []string{"unzip", "-q", "{}"}, compressZip},
}

func lookupArchiveType(name string) (archiveType, error) {
	for _, t := range archiveTypes {
		if strings.HasSuffix(name, t.suffix) {
			return t, nil
		}
	}
	return archiveType{}, fmt.Errorf("%w: unknown archive type: %s", ErrConfiguration, name)
}

// extractArchive unpacks archive into outDir with the system tool for its
// type, falling back to the built-in extractor when the tool is absent.
func extractArchive(ctx context.Context, e *Executor, archive, outDir string) error {
	t, err := lookupArchiveType(archive)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	if _, err := exec.LookPath(t.command[0]); err != nil {
		debugf("%s not found, extracting %s natively\n", t.command[0], archive)
		return extractNative(t.native, archive, outDir)
	}

	argv := make([]string, len(t.command))
	for i, a := range t.command {
		argv[i] = strings.ReplaceAll(a, "{}", archive)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = outDir
	cmd.Stdin = strings.NewReader("")
	if err := e.WithContext(ctx).Run(cmd); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(archive), err)
	}
	return nil
}

func extractNative(kind compression, archive, outDir string) error {
	if kind == compressZip {
		return unzipGo(archive, outDir)
	}

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch kind {
	case compressGzip:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		defer gz.Close()
		r = gz
	case compressBzip2:
		r = bzip2.NewReader(f)
	case compressXZ:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
		}
		r = xzr
	case compressZstd:
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		defer zst.Close()
		r = zst
	}
	return untar(r, archive, outDir)
}

// safeJoin joins name under dest, rejecting entries that escape it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: illegal file path in archive: %s", ErrFilesystem, name)
	}
	return target, nil
}

// noSymlinkParents fails if any directory between dest and target is a
// symlink, so an earlier entry cannot redirect later writes outside dest.
func noSymlinkParents(dest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: archive entry %s goes through symlink %s", ErrFilesystem, target, cur)
		}
	}
	return nil
}

func untar(r io.Reader, archive, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		targetPath, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := noSymlinkParents(dest, targetPath); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			// replace, never write through, an existing link
			if fi, err := os.Lstat(targetPath); err == nil && !fi.IsDir() {
				_ = os.Remove(targetPath)
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(targetPath, []unix.Timeval{mtime, mtime}); err != nil {
				debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", targetPath, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := noSymlinkParents(dest, linkTarget); err != nil {
				return err
			}
			_ = os.Remove(targetPath)
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("failed to create hard link %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}
