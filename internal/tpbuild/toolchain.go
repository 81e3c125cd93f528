package tpbuild

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Toolchain is a resolved C/C++ compiler pair.
type Toolchain struct {
	Family CompilerFamily
	CC     string
	CXX    string
}

// ToolchainResolver finds compilers. An explicit prefix always wins. gcc then
// comes from the Linuxbrew root or PATH; clang from the first candidate root
// that has it, with PATH only consulted when SystemClang is set.
type ToolchainResolver struct {
	GCCPrefix       string
	ClangPrefix     string
	ClangCandidates []string // directories containing bin/clang, tried in order
	Linuxbrew       string   // may be empty
	SystemClang     bool
}

func newToolchainResolver(s Settings, layout Layout, platform Platform, linuxbrew string) *ToolchainResolver {
	return &ToolchainResolver{
		GCCPrefix:   s.GCCPrefix,
		ClangPrefix: s.ClangPrefix,
		ClangCandidates: []string{
			filepath.Join(layout.Root, "clang-toolchain"),
			layout.Prefix(VariantCommon),
		},
		Linuxbrew:   linuxbrew,
		SystemClang: platform == PlatformDarwin,
	}
}

// Resolve returns the toolchain for family.
func (r *ToolchainResolver) Resolve(family CompilerFamily) (Toolchain, error) {
	switch family {
	case FamilyGCC:
		var candidates []string
		if r.Linuxbrew != "" {
			candidates = append(candidates, r.Linuxbrew)
		}
		return r.resolve(family, r.GCCPrefix, candidates, true, "gcc", "g++")
	case FamilyClang:
		return r.resolve(family, r.ClangPrefix, r.ClangCandidates, r.SystemClang, "clang", "clang++")
	}
	return Toolchain{}, fmt.Errorf("%w: unknown compiler family %q", ErrConfiguration, family)
}

func (r *ToolchainResolver) resolve(family CompilerFamily, prefix string, candidates []string, usePath bool, cc, cxx string) (Toolchain, error) {
	if prefix != "" {
		tc, err := toolchainIn(family, prefix, cc, cxx)
		if err != nil {
			return Toolchain{}, fmt.Errorf("%w: %s prefix %s: %v", ErrConfiguration, family, prefix, err)
		}
		return tc, nil
	}
	for _, dir := range candidates {
		if tc, err := toolchainIn(family, dir, cc, cxx); err == nil {
			return tc, nil
		}
	}
	if !usePath {
		return Toolchain{}, fmt.Errorf("%w: no %s found in %s", ErrConfiguration, cc, strings.Join(candidates, ", "))
	}
	ccPath, err := exec.LookPath(cc)
	if err != nil {
		return Toolchain{}, fmt.Errorf("%w: %s not found", ErrConfiguration, cc)
	}
	cxxPath, err := exec.LookPath(cxx)
	if err != nil {
		return Toolchain{}, fmt.Errorf("%w: %s not found", ErrConfiguration, cxx)
	}
	return Toolchain{Family: family, CC: ccPath, CXX: cxxPath}, nil
}

// toolchainIn looks for <dir>/bin/<cc> and <dir>/bin/<cxx>.
func toolchainIn(family CompilerFamily, dir, cc, cxx string) (Toolchain, error) {
	bin := filepath.Join(dir, "bin")
	if err := requireDir(bin); err != nil {
		return Toolchain{}, err
	}
	tc := Toolchain{Family: family, CC: filepath.Join(bin, cc), CXX: filepath.Join(bin, cxx)}
	for _, p := range []string{tc.CC, tc.CXX} {
		if err := requireExecutable(p); err != nil {
			return Toolchain{}, err
		}
	}
	return tc, nil
}

func requireExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrFilesystem, path)
	}
	return nil
}

// detectLinuxbrew returns the first candidate that looks like a Linuxbrew
// installation (bin, lib and include present), or "".
func detectLinuxbrew(candidates []string) string {
	for _, dir := range candidates {
		ok := true
		for _, sub := range []string{"bin", "lib", "include"} {
			if requireDir(filepath.Join(dir, sub)) != nil {
				ok = false
				break
			}
		}
		if ok {
			return dir
		}
	}
	return ""
}
