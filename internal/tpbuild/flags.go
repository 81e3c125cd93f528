package tpbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// placeholderRPath reserves room in the dynamic section so installed
// binaries can have their rpath rewritten later.
var placeholderRPath = "/tmp/making_sure_we_have_enough_room_to_set_rpath_later_" +
	strings.Repeat("_", 256) + "_end_of_rpath"

func rpathFlag(dir string) string {
	return "-Wl,-rpath," + dir
}

// CompilationConfig is the compiler environment for one variant. It is
// built by Composer.Compose and never modified afterwards; accessors
// return copies.
type CompilationConfig struct {
	variant       Variant
	toolchain     Toolchain
	prefix        string
	findPrefix    string
	compilerFlags []string
	cFlags        []string
	cxxFlags      []string
	ldFlags       []string
	libs          []string
	pathPrepend   []string
}

func (c *CompilationConfig) Variant() Variant        { return c.variant }
func (c *CompilationConfig) Toolchain() Toolchain    { return c.toolchain }
func (c *CompilationConfig) Prefix() string          { return c.prefix }
func (c *CompilationConfig) FindPrefix() string      { return c.findPrefix }
func (c *CompilationConfig) CompilerFlags() []string { return slices.Clone(c.compilerFlags) }
func (c *CompilationConfig) CXXOnlyFlags() []string  { return slices.Clone(c.cxxFlags) }
func (c *CompilationConfig) LDFlags() []string       { return slices.Clone(c.ldFlags) }
func (c *CompilationConfig) Libs() []string          { return slices.Clone(c.libs) }
func (c *CompilationConfig) PathPrepend() []string   { return slices.Clone(c.pathPrepend) }
func (c *CompilationConfig) CFlags() []string        { return concat(c.compilerFlags, c.cFlags) }
func (c *CompilationConfig) CXXFlags() []string      { return concat(c.compilerFlags, c.cxxFlags) }
func (c *CompilationConfig) CompilerType() string    { return string(c.toolchain.Family) }

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Vars returns the variables exported to recipes.
func (c *CompilationConfig) Vars(basePath string) map[string]string {
	path := strings.Join(c.pathPrepend, string(os.PathListSeparator))
	if basePath != "" {
		path += string(os.PathListSeparator) + basePath
	}
	return map[string]string{
		"CC":                          c.toolchain.CC,
		"CXX":                         c.toolchain.CXX,
		"CFLAGS":                      strings.Join(c.CFlags(), " "),
		"CXXFLAGS":                    strings.Join(c.CXXFlags(), " "),
		"LDFLAGS":                     strings.Join(c.ldFlags, " "),
		"LIBS":                        strings.Join(c.libs, " "),
		"PATH":                        path,
		"TPBUILD_COMPILER_TYPE":       c.CompilerType(),
		"TPBUILD_REMOTE_BUILD":        "0",
		"TPBUILD_IS_THIRDPARTY_BUILD": "1",
	}
}

// Environ materializes the variant environment on top of base. Flag
// variables inherited from base are replaced, never appended to.
func (c *CompilationConfig) Environ(base []string) []string {
	var basePath string
	for _, kv := range base {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			basePath = v
		}
	}
	return mergeEnv(base, c.Vars(basePath))
}

func mergeEnv(base []string, override map[string]string) []string {
	envMap := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range override {
		envMap[k] = v
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+envMap[k])
	}
	return env
}

// Composer derives the CompilationConfig of each variant.
type Composer struct {
	Layout     Layout
	Platform   Platform
	Toolchains *ToolchainResolver
	Linuxbrew  string
}

// Compose builds the configuration for v from scratch. Nothing carries
// over between variants.
func (c *Composer) Compose(v Variant) (*CompilationConfig, error) {
	switch c.Platform {
	case PlatformLinux, PlatformDarwin:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, c.Platform)
	}
	if c.Platform == PlatformDarwin && v != VariantCommon {
		return nil, fmt.Errorf("%w: %s builds are only supported on linux", ErrUnsupportedPlatform, v)
	}

	tc, err := c.Toolchains.Resolve(v.CompilerFamily(c.Platform))
	if err != nil {
		return nil, err
	}

	common := c.Layout.Prefix(VariantCommon)
	prefix := c.Layout.Prefix(v)
	cfg := &CompilationConfig{
		variant:    v,
		toolchain:  tc,
		prefix:     prefix,
		findPrefix: common,
	}
	if v != VariantCommon {
		cfg.findPrefix = common + ";" + prefix
	}

	brew := ""
	if c.Platform == PlatformLinux {
		brew = c.Linuxbrew
	}
	if brew != "" {
		lib := filepath.Join(brew, "lib")
		cfg.ldFlags = append(cfg.ldFlags,
			"-Wl,-dynamic-linker="+filepath.Join(lib, "ld.so"),
			"-L"+lib,
			rpathFlag(lib),
		)
	}

	cfg.compilerFlags = append(cfg.compilerFlags,
		"-fno-omit-frame-pointer",
		"-fPIC",
		"-O2",
		"-I"+filepath.Join(common, "include"),
	)
	cfg.ldFlags = append(cfg.ldFlags, "-L"+filepath.Join(common, "lib"))

	switch c.Platform {
	case PlatformLinux:
		cfg.ldFlags = append(cfg.ldFlags, rpathFlag(placeholderRPath))
		cfg.cxxFlags = append(cfg.cxxFlags, "-D_GLIBCXX_USE_CXX11_ABI=0")
	case PlatformDarwin:
		cfg.cxxFlags = append(cfg.cxxFlags, "-stdlib=libc++")
		cfg.libs = append(cfg.libs, "-lc++", "-lc++abi")
	}

	if tc.Family == FamilyClang && brew != "" {
		cfg.compilerFlags = append(cfg.compilerFlags, "--gcc-toolchain="+brew)
	}

	switch v {
	case VariantASan:
		cfg.compilerFlags = append(cfg.compilerFlags, "-fsanitize=address", "-fsanitize=undefined", "-DADDRESS_SANITIZER")
	case VariantTSan:
		cfg.compilerFlags = append(cfg.compilerFlags, "-fsanitize=thread", "-DTHREAD_SANITIZER")
	}

	if v.Instrumented() {
		stdlib := c.Layout.StdlibPrefix(v)
		cfg.cxxFlags = append([]string{
			"-Wno-error=unused-command-line-argument",
			"-stdlib=libc++",
			"-isystem",
			filepath.Join(stdlib, "include", "c++", "v1"),
			"-nostdinc++",
		}, cfg.cxxFlags...)
		stdlibLib := filepath.Join(stdlib, "lib")
		cfg.ldFlags = append([]string{rpathFlag(stdlibLib), "-L" + stdlibLib}, cfg.ldFlags...)
	}

	cfg.ldFlags = append(cfg.ldFlags, rpathFlag(filepath.Join(prefix, "lib")))

	cfg.pathPrepend = []string{filepath.Join(common, "bin")}
	if brew != "" {
		cfg.pathPrepend = append(cfg.pathPrepend, filepath.Join(brew, "bin"))
	}
	return cfg, nil
}
