package tpbuild

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstaller(t *testing.T, files map[string][]byte, cdn string) (*Installer, Layout) {
	t.Helper()
	layout := Layout{Root: t.TempDir()}
	in := &Installer{
		Layout:  layout,
		Fetcher: newTestFetcher(newRegistry(t, files)),
		Exec:    NewExecutor(context.Background()),
		CDNURL:  cdn,
	}
	return in, layout
}

func TestInstallEmptyDirDependency(t *testing.T) {
	in, layout := newTestInstaller(t, nil, "")
	dep := &Descriptor{Name: "cpp_utils", Dir: "cpp_utils", URL: MkdirSentinel, PatchVersion: 2}

	require.NoError(t, in.Install(context.Background(), dep))

	src := layout.SourcePath(dep)
	assert.DirExists(t, src)
	assert.FileExists(t, filepath.Join(src, "patchlevel-2"))
	assert.NoDirExists(t, layout.DownloadDir())
}

func TestInstallIsNoOpWhenMarkerPresent(t *testing.T) {
	in, layout := newTestInstaller(t, nil, "")
	dep := &Descriptor{Name: "cpp_utils", Dir: "cpp_utils", URL: MkdirSentinel}
	require.NoError(t, in.Install(context.Background(), dep))

	// local edits survive a second install
	edited := filepath.Join(layout.SourcePath(dep), "local.txt")
	writeFile(t, edited, "keep me")
	require.NoError(t, in.Install(context.Background(), dep))
	assert.FileExists(t, edited)
}

func TestInstallDiscardsPartialState(t *testing.T) {
	in, layout := newTestInstaller(t, nil, "")
	dep := &Descriptor{Name: "cpp_utils", Dir: "cpp_utils", URL: MkdirSentinel, PatchVersion: 3}

	// a previous run died after extraction, before the marker
	stale := filepath.Join(layout.SourcePath(dep), "half-patched.c")
	writeFile(t, stale, "<<<<<<<")
	writeFile(t, filepath.Join(layout.SourcePath(dep), "patchlevel-2"), "")

	require.NoError(t, in.Install(context.Background(), dep))
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, filepath.Join(layout.SourcePath(dep), "patchlevel-2"))
	assert.FileExists(t, filepath.Join(layout.SourcePath(dep), "patchlevel-3"))
}

func TestInstallFetchesFromCDNAndExtracts(t *testing.T) {
	archive := tarGz(t, map[string]string{
		"zlib-1.2.11/configure": "#!/bin/sh\n",
		"zlib-1.2.11/zlib.h":    "/* zlib */\n",
	})
	srv, hits := archiveServer(t, archive)
	in, layout := newTestInstaller(t, map[string][]byte{"zlib-1.2.11.tar.gz": archive}, srv.URL)
	dep := &Descriptor{Name: "zlib", Dir: "zlib-1.2.11", Archive: "zlib-1.2.11.tar.gz", PatchVersion: 0}

	require.NoError(t, in.Install(context.Background(), dep))
	assert.Equal(t, int32(1), hits.Load())
	assert.FileExists(t, filepath.Join(layout.SourcePath(dep), "zlib.h"))
	assert.FileExists(t, layout.ArchivePath("zlib-1.2.11.tar.gz"))

	marker, err := os.ReadFile(filepath.Join(layout.SourcePath(dep), "patchlevel-0"))
	require.NoError(t, err)
	assert.Contains(t, string(marker), "zlib-1.2.11.tar.gz="+sha256Hex(archive))
}

func TestInstallFailsWhenArchiveHasWrongTopDir(t *testing.T) {
	archive := tarGz(t, map[string]string{"other-dir/file": "x"})
	srv, _ := archiveServer(t, archive)
	in, layout := newTestInstaller(t, map[string][]byte{"zlib-1.2.11.tar.gz": archive}, srv.URL)
	dep := &Descriptor{Name: "zlib", Dir: "zlib-1.2.11", Archive: "zlib-1.2.11.tar.gz"}

	err := in.Install(context.Background(), dep)
	require.ErrorIs(t, err, ErrFilesystem)
	assert.NoFileExists(t, filepath.Join(layout.SourcePath(dep), dep.MarkerName()))
}

func TestInstallExtraDownload(t *testing.T) {
	extra := tarGz(t, map[string]string{"gtest-1.7/gtest.h": "// gtest\n"})
	srv, _ := archiveServer(t, extra)
	in, layout := newTestInstaller(t, map[string][]byte{"gtest-1.7.tar.gz": extra}, srv.URL)
	dep := &Descriptor{
		Name: "gmock",
		Dir:  "gmock",
		URL:  MkdirSentinel,
		Extras: []ExtraDownload{{
			Archive:  "gtest-1.7.tar.gz",
			Dir:      "third_party",
			PostExec: [][]string{{"mv", "gtest-1.7", "gtest"}},
		}},
	}

	require.NoError(t, in.Install(context.Background(), dep))
	assert.FileExists(t, filepath.Join(layout.SourcePath(dep), "third_party", "gtest", "gtest.h"))
}

func TestInstallAppliesPatchesInOrder(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch not installed")
	}
	archive := tarGz(t, map[string]string{"lib-1.0/version.txt": "1.0\n"})
	srv, _ := archiveServer(t, archive)
	in, layout := newTestInstaller(t, map[string][]byte{"lib-1.0.tar.gz": archive}, srv.URL)

	writeFile(t, filepath.Join(layout.PatchDir(), "lib-01.patch"), strings.Join([]string{
		"--- a/version.txt",
		"+++ b/version.txt",
		"@@ -1 +1 @@",
		"-1.0",
		"+1.0-patched",
		"",
	}, "\n"))
	writeFile(t, filepath.Join(layout.PatchDir(), "lib-02.patch"), strings.Join([]string{
		"--- a/version.txt",
		"+++ b/version.txt",
		"@@ -1 +1 @@",
		"-1.0-patched",
		"+1.0-patched-twice",
		"",
	}, "\n"))

	dep := &Descriptor{
		Name:         "lib",
		Dir:          "lib-1.0",
		Archive:      "lib-1.0.tar.gz",
		PatchVersion: 2,
		Patches:      []string{"lib-01.patch", "lib-02.patch"},
		PatchStrip:   1,
	}
	require.NoError(t, in.Install(context.Background(), dep))

	got, err := os.ReadFile(filepath.Join(layout.SourcePath(dep), "version.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1.0-patched-twice\n", string(got))
	assert.FileExists(t, filepath.Join(layout.SourcePath(dep), "patchlevel-2"))
}

func TestInstallPatchFailureLeavesNoMarker(t *testing.T) {
	in, layout := newTestInstaller(t, nil, "")
	dep := &Descriptor{
		Name:    "lib",
		Dir:     "lib",
		URL:     MkdirSentinel,
		Patches: []string{"missing.patch"},
	}

	err := in.Install(context.Background(), dep)
	require.ErrorIs(t, err, ErrFilesystem)
	assert.NoFileExists(t, filepath.Join(layout.SourcePath(dep), dep.MarkerName()))
}
