package tpbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Recipe builds and installs one dependency for one variant.
type Recipe interface {
	Kind() string
	Build(ctx context.Context, bc *BuildContext) error
}

// BuildContext is what a recipe sees while it runs. It is created per
// dependency and variant and never shared between the two.
type BuildContext struct {
	Dep       *Descriptor
	Variant   Variant
	Config    *CompilationConfig
	SourceDir string
	BuildDir  string
	Jobs      int
	Env       []string
	Exec      *Executor
	Out       io.Writer
}

// Prefix is the install prefix for the current variant.
func (bc *BuildContext) Prefix() string {
	return bc.Config.Prefix()
}

// expand substitutes ${PREFIX}, ${SOURCE_DIR}, ${BUILD_DIR}, ${JOBS} and
// ${FIND_PREFIX} in a recipe argument. Everything else, including $1 and
// $NAME, reaches the program verbatim.
func (bc *BuildContext) expand(arg string) string {
	if !strings.Contains(arg, "${") {
		return arg
	}
	r := strings.NewReplacer(
		"${PREFIX}", bc.Prefix(),
		"${SOURCE_DIR}", bc.SourceDir,
		"${BUILD_DIR}", bc.BuildDir,
		"${JOBS}", strconv.Itoa(bc.Jobs),
		"${FIND_PREFIX}", bc.Config.FindPrefix(),
	)
	return r.Replace(arg)
}

func (bc *BuildContext) expandAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = bc.expand(a)
	}
	return out
}

// Run runs a program inside the build dir with the variant environment.
// Output lines are prefixed with "<dep> (<variant>)".
func (bc *BuildContext) Run(ctx context.Context, name string, args ...string) error {
	w := newPrefixWriter(bc.Out, fmt.Sprintf("%s (%s)", bc.Dep.Name, bc.Variant))
	defer w.Flush()

	cmd := exec.Command(name, args...)
	cmd.Dir = bc.BuildDir
	cmd.Env = bc.Env
	cmd.Stdout = w
	cmd.Stderr = w
	if err := bc.Exec.WithContext(ctx).Run(cmd); err != nil {
		return fmt.Errorf("%s: %w", bc.Dep.Name, err)
	}
	return nil
}

func (bc *BuildContext) makeArgs(extra ...string) []string {
	return append([]string{"-j" + strconv.Itoa(bc.Jobs)}, extra...)
}

// ConfigureRecipe runs an autotools style configure; make; make install.
type ConfigureRecipe struct {
	Args    []string
	Install bool
}

func (r *ConfigureRecipe) Kind() string { return "configure" }

func (r *ConfigureRecipe) Build(ctx context.Context, bc *BuildContext) error {
	exe := "./configure"
	if !bc.Dep.CopySources {
		exe = filepath.Join(bc.SourceDir, "configure")
	}
	args := append([]string{"--prefix=" + bc.Prefix()}, bc.expandAll(r.Args)...)
	if err := bc.Run(ctx, exe, args...); err != nil {
		return err
	}
	if err := bc.Run(ctx, "make", bc.makeArgs()...); err != nil {
		return err
	}
	if r.Install {
		return bc.Run(ctx, "make", "install")
	}
	return nil
}

// CMakeRecipe configures with cmake from a clean cache, then make; make install.
type CMakeRecipe struct {
	Args    []string
	SrcDir  string // subdirectory of the sources holding CMakeLists.txt
	Install bool
}

func (r *CMakeRecipe) Kind() string { return "cmake" }

func (r *CMakeRecipe) Build(ctx context.Context, bc *BuildContext) error {
	for _, stale := range []string{"CMakeCache.txt", "CMakeFiles"} {
		if err := os.RemoveAll(filepath.Join(bc.BuildDir, stale)); err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
	}
	src := bc.SourceDir
	if r.SrcDir != "" {
		src = filepath.Join(src, r.SrcDir)
	}
	args := []string{
		src,
		"-DCMAKE_INSTALL_PREFIX=" + bc.Prefix(),
		"-DCMAKE_PREFIX_PATH=" + bc.Config.FindPrefix(),
	}
	args = append(args, bc.expandAll(r.Args)...)
	if err := bc.Run(ctx, "cmake", args...); err != nil {
		return err
	}
	if err := bc.Run(ctx, "make", bc.makeArgs()...); err != nil {
		return err
	}
	if r.Install {
		return bc.Run(ctx, "make", "install")
	}
	return nil
}

// MakeRecipe runs a plain Makefile with PREFIX passed on the command line.
type MakeRecipe struct {
	Args    []string
	Targets []string
	Install bool
}

func (r *MakeRecipe) Kind() string { return "make" }

func (r *MakeRecipe) Build(ctx context.Context, bc *BuildContext) error {
	args := bc.makeArgs(bc.expandAll(r.Args)...)
	args = append(args, r.Targets...)
	if err := bc.Run(ctx, "make", args...); err != nil {
		return err
	}
	if r.Install {
		return bc.Run(ctx, "make", append(bc.expandAll(r.Args), "install", "PREFIX="+bc.Prefix())...)
	}
	return nil
}

// CommandsRecipe runs a fixed list of commands in the build dir.
type CommandsRecipe struct {
	Commands [][]string
}

func (r *CommandsRecipe) Kind() string { return "commands" }

func (r *CommandsRecipe) Build(ctx context.Context, bc *BuildContext) error {
	for _, argv := range r.Commands {
		argv = bc.expandAll(argv)
		if err := bc.Run(ctx, argv[0], argv[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// newRecipe turns a decoded recipe block into a Recipe.
func newRecipe(h *hclRecipe) (Recipe, error) {
	install := h.Install == nil || *h.Install
	switch h.Kind {
	case "configure":
		return &ConfigureRecipe{Args: h.Args, Install: install}, nil
	case "cmake":
		return &CMakeRecipe{Args: h.Args, SrcDir: h.SrcDir, Install: install}, nil
	case "make":
		return &MakeRecipe{Args: h.Args, Targets: h.Targets, Install: install}, nil
	case "commands":
		if len(h.Commands) == 0 {
			return nil, fmt.Errorf("%w: commands recipe needs at least one command", ErrConfiguration)
		}
		for _, argv := range h.Commands {
			if len(argv) == 0 {
				return nil, fmt.Errorf("%w: commands recipe has an empty command", ErrConfiguration)
			}
		}
		return &CommandsRecipe{Commands: h.Commands}, nil
	}
	return nil, fmt.Errorf("%w: unknown recipe kind %q", ErrConfiguration, h.Kind)
}
