package tpbuild

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// newRegistry builds a registry whose entries match the given contents.
func newRegistry(t *testing.T, files map[string][]byte) *ChecksumRegistry {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", sha256Hex(files[name]), name)
	}
	reg, err := parseChecksums("test_checksums.txt", strings.NewReader(b.String()))
	require.NoError(t, err)
	return reg
}

// tarGz returns a gzipped tarball holding files, with directories implied.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	dirs := map[string]bool{}
	for _, name := range names {
		dir := filepath.Dir(name)
		var parents []string
		for dir != "." && !dirs[dir] {
			parents = append([]string{dir}, parents...)
			dirs[dir] = true
			dir = filepath.Dir(dir)
		}
		for _, d := range parents {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
		}
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// fakeToolchain creates <dir>/bin/<name> executables.
func fakeToolchain(t *testing.T, dir string, names ...string) {
	t.Helper()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(bin, n), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	}
}

// fakeVCS returns a fixed commit and a diff that tests can change.
type fakeVCS struct {
	mu     sync.Mutex
	commit string
	diff   []byte
	err    error
	calls  int
}

func (f *fakeVCS) LastCommit(ctx context.Context, dir string, paths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.commit, f.err
}

func (f *fakeVCS) Diff(ctx context.Context, dir string, paths []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diff, f.err
}

func (f *fakeVCS) setDiff(d string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diff = []byte(d)
}

// recordingRecipe logs every build into a shared journal.
type recordingRecipe struct {
	journal *[]string
	fail    error
}

func (r *recordingRecipe) Kind() string { return "recording" }

func (r *recordingRecipe) Build(ctx context.Context, bc *BuildContext) error {
	*r.journal = append(*r.journal, fmt.Sprintf("%s/%s", bc.Variant, bc.Dep.Name))
	if r.fail != nil {
		return r.fail
	}
	return os.WriteFile(filepath.Join(bc.BuildDir, "built"), []byte(bc.Config.CompilerType()), 0o644)
}

// emptyDep is a catalog entry that needs no download.
func emptyDep(name string, group BuildGroup, journal *[]string) *Descriptor {
	return &Descriptor{
		Name:            name,
		Dir:             name,
		URL:             MkdirSentinel,
		Group:           group,
		Instrumentation: InstrumentAny,
		Recipe:          &recordingRecipe{journal: journal},
		DefinitionFile:  definitionPath(name),
	}
}
