package tpbuild

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

// Installer brings a dependency's sources to the patched state recorded by
// its install marker.
type Installer struct {
	Layout  Layout
	Fetcher *Fetcher
	Exec    *Executor
	CDNURL  string
}

// downloadURL is url, or the archive on the CDN when url is empty.
func (in *Installer) downloadURL(archive, url string) string {
	if url != "" {
		return url
	}
	return strings.TrimSuffix(in.CDNURL, "/") + "/" + archive
}

func (in *Installer) markerPath(dep *Descriptor) string {
	return filepath.Join(in.Layout.SourcePath(dep), dep.MarkerName())
}

// Install is a no-op when the marker for the current patch version exists.
// Otherwise it discards any previous source tree and rebuilds it from the
// verified archive, writing the marker last.
func (in *Installer) Install(ctx context.Context, dep *Descriptor) error {
	src := in.Layout.SourcePath(dep)
	marker := in.markerPath(dep)

	if data, err := os.ReadFile(marker); err == nil {
		in.checkMarker(dep, data)
		debugf("%s already installed at patch level %d\n", dep.Name, dep.PatchVersion)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	logStep("Installing %s", dep.Name)
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("%w: failed to remove stale sources %s: %v", ErrFilesystem, src, err)
	}

	if dep.IsEmptyDir() {
		if err := os.MkdirAll(src, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
	} else {
		if err := in.fetchAndExtract(ctx, dep.Archive, dep.URL, in.Layout.SrcDir()); err != nil {
			return fmt.Errorf("%s: %w", dep.Name, err)
		}
		if err := requireDir(src); err != nil {
			return fmt.Errorf("%s: archive %s did not produce %s: %w", dep.Name, dep.Archive, dep.Dir, err)
		}
	}

	for _, extra := range dep.Extras {
		dir := filepath.Join(src, extra.Dir)
		if err := in.fetchAndExtract(ctx, extra.Archive, extra.URL, dir); err != nil {
			return fmt.Errorf("%s: %w", dep.Name, err)
		}
		for _, argv := range extra.PostExec {
			if err := in.runIn(ctx, dir, argv); err != nil {
				return fmt.Errorf("%s: post_exec in %s: %w", dep.Name, extra.Dir, err)
			}
		}
	}

	for _, patch := range dep.Patches {
		if err := in.applyPatch(ctx, dep, src, patch); err != nil {
			return err
		}
	}

	for _, argv := range dep.PostPatch {
		if err := in.runIn(ctx, src, argv); err != nil {
			return fmt.Errorf("%s: post_patch: %w", dep.Name, err)
		}
	}

	if err := renameio.WriteFile(marker, in.markerContent(dep), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write install marker: %v", ErrFilesystem, err)
	}
	return nil
}

func (in *Installer) fetchAndExtract(ctx context.Context, archive, url, outDir string) error {
	path := in.Layout.ArchivePath(archive)
	if err := in.Fetcher.EnsureFetched(ctx, in.downloadURL(archive, url), path); err != nil {
		return err
	}
	return extractArchive(ctx, in.Exec, path, outDir)
}

func (in *Installer) applyPatch(ctx context.Context, dep *Descriptor, src, patch string) error {
	data, err := os.ReadFile(filepath.Join(in.Layout.PatchDir(), patch))
	if err != nil {
		return fmt.Errorf("%w: %s: patch %s: %v", ErrFilesystem, dep.Name, patch, err)
	}
	logStep("Applying patch %s", patch)
	cmd := exec.Command("patch", fmt.Sprintf("-p%d", dep.PatchStrip), "--batch", "--forward")
	cmd.Dir = src
	cmd.Stdin = bytes.NewReader(data)
	if err := in.Exec.WithContext(ctx).Run(cmd); err != nil {
		return fmt.Errorf("%s: patch %s: %w", dep.Name, patch, err)
	}
	return nil
}

func (in *Installer) runIn(ctx context.Context, dir string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrConfiguration)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader("")
	return in.Exec.WithContext(ctx).Run(cmd)
}

// markerContent records which archives the sources were built from.
func (in *Installer) markerContent(dep *Descriptor) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "patch_version=%d\n", dep.PatchVersion)
	for _, archive := range dep.Archives() {
		if d, ok := in.Fetcher.Registry.Lookup(archive); ok {
			fmt.Fprintf(&b, "%s=%s\n", archive, d.Encoded())
		}
	}
	return b.Bytes()
}

// checkMarker warns when the registry digest of an archive changed after the
// sources were installed. The existing tree is kept.
func (in *Installer) checkMarker(dep *Descriptor, data []byte) {
	recorded := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), "="); ok {
			recorded[k] = v
		}
	}
	for _, archive := range dep.Archives() {
		want, ok := in.Fetcher.Registry.Lookup(archive)
		got, recordedOK := recorded[archive]
		if !ok || !recordedOK {
			continue
		}
		if got != want.Encoded() {
			cPrintf(colWarn, "Warning: checksum of %s changed since %s was installed; run with --clean %s to refetch\n",
				archive, dep.Name, dep.Name)
		}
	}
}
