package tpbuild

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"lukechampine.com/blake3"
)

// VCS answers the two questions the fingerprint needs about a set of files.
type VCS interface {
	// LastCommit returns the id of the last commit touching paths, or "" if none.
	LastCommit(ctx context.Context, dir string, paths []string) (string, error)
	// Diff returns the uncommitted changes to paths, untracked files included.
	Diff(ctx context.Context, dir string, paths []string) ([]byte, error)
}

// gitVCS shells out to git through an Executor.
type gitVCS struct {
	exec *Executor
	bin  string
}

type GitOption func(*gitVCS)

// WithGitBinary overrides the git executable.
func WithGitBinary(bin string) GitOption {
	return func(g *gitVCS) { g.bin = bin }
}

func NewGitVCS(e *Executor, opts ...GitOption) VCS {
	g := &gitVCS{exec: e, bin: "git"}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *gitVCS) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.Command(g.bin, args...)
	cmd.Dir = dir
	out, err := g.exec.WithContext(ctx).Output(cmd)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

// hasHead reports whether the repository has any commit yet.
func (g *gitVCS) hasHead(ctx context.Context, dir string) bool {
	_, err := g.git(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	return err == nil
}

func (g *gitVCS) LastCommit(ctx context.Context, dir string, paths []string) (string, error) {
	if !g.hasHead(ctx, dir) {
		if _, err := g.git(ctx, dir, "rev-parse", "--git-dir"); err != nil {
			return "", err
		}
		return "", nil
	}
	args := append([]string{"log", "--pretty=%H", "-n", "1", "--"}, paths...)
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Diff covers staged and unstaged edits against HEAD plus the content of
// untracked (or ignored) paths.
func (g *gitVCS) Diff(ctx context.Context, dir string, paths []string) ([]byte, error) {
	var out []byte
	if g.hasHead(ctx, dir) {
		args := append([]string{"diff", "--no-ext-diff", "--binary", "HEAD", "--"}, paths...)
		d, err := g.git(ctx, dir, args...)
		if err != nil {
			return nil, err
		}
		out = d
	}

	args := append([]string{"ls-files", "-z", "--others", "--"}, paths...)
	list, err := g.git(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	for _, name := range strings.Split(string(list), "\x00") {
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
		out = fmt.Appendf(out, "untracked %s %d\n", name, len(data))
		out = append(out, data...)
	}
	return out, nil
}

// Fingerprint identifies the build logic a dependency was built with.
type Fingerprint string

// Fingerprinter decides whether a dependency needs rebuilding by comparing
// the current fingerprint of its build logic with the stamp of the last
// successful build.
type Fingerprinter struct {
	Layout Layout
	VCS    VCS
}

// inputs are the files whose history forms dep's fingerprint.
func (f *Fingerprinter) inputs(dep *Descriptor) []string {
	in := []string{catalogFileName}
	if dep.DefinitionFile != "" {
		in = append(in, dep.DefinitionFile)
	}
	return in
}

// Compute returns the current fingerprint of dep's build logic.
func (f *Fingerprinter) Compute(ctx context.Context, dep *Descriptor) (Fingerprint, error) {
	paths := f.inputs(dep)
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(f.Layout.Root, p)); err != nil {
			return "", fmt.Errorf("%w: fingerprint input for %s: %v", ErrFilesystem, dep.Name, err)
		}
	}

	commit, err := f.VCS.LastCommit(ctx, f.Layout.Root, paths)
	if err != nil {
		return "", fmt.Errorf("fingerprint of %s: %w", dep.Name, err)
	}
	diff, err := f.VCS.Diff(ctx, f.Layout.Root, paths)
	if err != nil {
		return "", fmt.Errorf("fingerprint of %s: %w", dep.Name, err)
	}
	sum := blake3.Sum256(diff)
	return Fingerprint(fmt.Sprintf("git_commit_sha1=%s\ngit_diff_b3sum=%s\n", commit, hex.EncodeToString(sum[:]))), nil
}

// ShouldRebuild reports whether dep must be rebuilt in v. The computed
// fingerprint is returned so the caller can persist exactly that value after
// a successful build.
func (f *Fingerprinter) ShouldRebuild(ctx context.Context, dep *Descriptor, v Variant) (bool, Fingerprint, error) {
	current, err := f.Compute(ctx, dep)
	if err != nil {
		return false, "", err
	}
	stamp, err := os.ReadFile(f.Layout.StampPath(v, dep))
	if errors.Is(err, os.ErrNotExist) {
		debugf("%s (%s): no build stamp\n", dep.Name, v)
		return true, current, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if Fingerprint(stamp) != current {
		debugf("%s (%s): build stamp changed\nold:\n%s\nnew:\n%s", dep.Name, v, stamp, current)
		return true, current, nil
	}
	return false, current, nil
}

// Persist records fp as the stamp of the last successful build of dep in v.
func (f *Fingerprinter) Persist(dep *Descriptor, v Variant, fp Fingerprint) error {
	path := f.Layout.StampPath(v, dep)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if err := renameio.WriteFile(path, []byte(fp), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write build stamp: %v", ErrFilesystem, err)
	}
	return nil
}

// Forget removes every stamp of dep so the next run rebuilds it.
func (f *Fingerprinter) Forget(dep *Descriptor) error {
	for _, v := range allVariants {
		if err := os.Remove(f.Layout.StampPath(v, dep)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
	}
	return nil
}
