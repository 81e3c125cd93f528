package tpbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Options select what a run builds.
type Options struct {
	BuildType    Variant  // empty builds every variant available on the platform
	Dependencies []string // empty builds the whole catalog
	Clean        bool
}

// Builder drives the per-variant build of the catalog.
type Builder struct {
	Layout    Layout
	Platform  Platform
	Catalog   *Catalog
	Registry  *ChecksumRegistry
	Installer *Installer
	Stamps    *Fingerprinter
	Composer  *Composer
	Exec      *Executor
	Jobs      int
	DumpEnv   bool
	UseLock   bool
	// Verbose streams recipe output to Out instead of a per-build log.
	Verbose   bool
	Out       io.Writer
}

// plan validates a run before anything touches the filesystem.
func (b *Builder) plan(opts Options) ([]*Descriptor, []Variant, error) {
	selected, err := b.Catalog.Select(opts.Dependencies)
	if err != nil {
		return nil, nil, err
	}
	var archives []string
	for _, dep := range selected {
		archives = append(archives, dep.Archives()...)
	}
	if err := b.Registry.Require(archives...); err != nil {
		return nil, nil, err
	}
	variants, err := variantsFor(b.Platform, opts.BuildType)
	if err != nil {
		return nil, nil, err
	}
	return selected, variants, nil
}

// Run builds the selected dependencies in every selected variant, stopping
// at the first failure.
func (b *Builder) Run(ctx context.Context, opts Options) error {
	selected, variants, err := b.plan(opts)
	if err != nil {
		return err
	}

	if b.UseLock {
		lock, err := acquireLock(b.Layout.LockFile(), false)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	if opts.Clean {
		if err := b.Clean(selected); err != nil {
			return err
		}
	}

	if err := b.Layout.prepareOutDirs(variants); err != nil {
		return err
	}

	start := time.Now()
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.buildVariant(ctx, v, selected); err != nil {
			return err
		}
	}
	logStep("Third-party build finished in %s", time.Since(start).Round(time.Second))
	return nil
}

func (b *Builder) buildVariant(ctx context.Context, v Variant, deps []*Descriptor) error {
	var todo []*Descriptor
	for _, dep := range deps {
		if dep.Group == v.Group() && dep.ShouldBuild(v.Instrumented()) {
			todo = append(todo, dep)
		}
	}
	if len(todo) == 0 {
		debugf("Nothing to build for %s\n", v)
		return nil
	}

	heading(fmt.Sprintf("Building %s dependencies", v))
	cfg, err := b.Composer.Compose(v)
	if err != nil {
		return err
	}
	env := cfg.Environ(os.Environ())
	if b.DumpEnv {
		dumpEnv(env)
	}

	for _, dep := range todo {
		if err := b.buildDependency(ctx, v, cfg, env, dep); err != nil {
			return fmt.Errorf("building %s (%s): %w", dep.Name, v, err)
		}
	}
	return nil
}

func (b *Builder) buildDependency(ctx context.Context, v Variant, cfg *CompilationConfig, env []string, dep *Descriptor) error {
	rebuild, fp, err := b.Stamps.ShouldRebuild(ctx, dep, v)
	if err != nil {
		return err
	}
	if !rebuild {
		logStep("%s (%s) is up to date", dep.Name, v)
		return nil
	}

	if err := b.Installer.Install(ctx, dep); err != nil {
		return err
	}

	src := b.Layout.SourcePath(dep)
	buildDir, err := b.prepareBuildDir(ctx, v, dep, src)
	if err != nil {
		return err
	}

	logStep("Building %s (%s)", dep.Name, v)
	out := b.Out
	var logPath string
	if !b.Verbose {
		logPath = b.Layout.BuildLog(v, dep)
		f, err := os.Create(logPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
		defer f.Close()
		out = f
		cPrintf(colInfo, "   output in %s\n", logPath)
	}

	bc := &BuildContext{
		Dep:       dep,
		Variant:   v,
		Config:    cfg,
		SourceDir: src,
		BuildDir:  buildDir,
		Jobs:      b.Jobs,
		Env:       env,
		Exec:      b.Exec,
		Out:       out,
	}
	if err := dep.Recipe.Build(ctx, bc); err != nil {
		if logPath != "" {
			b.showLogTail(logPath, buildLogTail)
			return fmt.Errorf("%w (full output in %s)", err, logPath)
		}
		return err
	}

	return b.Stamps.Persist(dep, v, fp)
}

// buildLogTail is how many lines of a failed build log are echoed.
const buildLogTail = 30

func (b *Builder) showLogTail(path string, n int) {
	data, err := os.ReadFile(path)
	if err != nil {
		debugf("cannot read %s: %v\n", path, err)
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		if l != "" {
			fmt.Fprintln(b.Out, l)
		}
	}
}

// prepareBuildDir creates the variant build dir, copying the sources into it
// when the dependency cannot build out of tree.
func (b *Builder) prepareBuildDir(ctx context.Context, v Variant, dep *Descriptor, src string) (string, error) {
	dir := b.Layout.BuildDir(v, dep)
	if dep.CopySources {
		if err := syncTree(ctx, b.Exec, src, dir); err != nil {
			return "", err
		}
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return dir, nil
}
