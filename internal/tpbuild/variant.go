package tpbuild

import (
	"fmt"
	"runtime"
	"strings"
)

// Variant is one build configuration of the third-party tree.
type Variant string

const (
	VariantCommon         Variant = "common"
	VariantUninstrumented Variant = "uninstrumented"
	VariantASan           Variant = "asan"
	VariantTSan           Variant = "tsan"
)

// allVariants is the fixed order in which variants are built.
var allVariants = []Variant{VariantCommon, VariantUninstrumented, VariantASan, VariantTSan}

// BuildGroup splits the catalog into deps built once and deps built per variant.
type BuildGroup string

const (
	GroupCommon       BuildGroup = "common"
	GroupInstrumented BuildGroup = "instrumented"
)

// CompilerFamily selects the toolchain for a variant.
type CompilerFamily string

const (
	FamilyGCC   CompilerFamily = "gcc"
	FamilyClang CompilerFamily = "clang"
)

// Platform is the host operating system family.
type Platform string

const (
	PlatformLinux  Platform = "linux"
	PlatformDarwin Platform = "darwin"
)

// ParseVariant accepts a variant name as given on the command line.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allVariants {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown build type %q (want one of common, uninstrumented, asan, tsan)", ErrConfiguration, s)
}

// Group returns the build group whose deps are built in this variant.
func (v Variant) Group() BuildGroup {
	if v == VariantCommon {
		return GroupCommon
	}
	return GroupInstrumented
}

// Instrumented reports whether the variant builds with a sanitizer.
func (v Variant) Instrumented() bool {
	return v == VariantASan || v == VariantTSan
}

// CompilerFamily returns the toolchain family for the variant on p.
// Darwin only ships clang.
func (v Variant) CompilerFamily(p Platform) CompilerFamily {
	if p == PlatformDarwin || v.Instrumented() {
		return FamilyClang
	}
	return FamilyGCC
}

// ParsePlatform validates a platform name from a catalog file.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformLinux, PlatformDarwin:
		return Platform(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
}

// hostPlatform returns the platform the binary is running on.
func hostPlatform() (Platform, error) {
	return ParsePlatform(runtime.GOOS)
}

// variantsFor returns the variants to build on p, in order. A non-empty only
// restricts the run to that variant, which must be available on p. Common
// always runs first.
func variantsFor(p Platform, only Variant) ([]Variant, error) {
	available := []Variant{VariantCommon}
	if p == PlatformLinux {
		available = allVariants
	}
	if only == "" {
		return available, nil
	}
	for _, v := range available {
		if v != only {
			continue
		}
		if v == VariantCommon {
			return []Variant{VariantCommon}, nil
		}
		return []Variant{VariantCommon, v}, nil
	}
	return nil, fmt.Errorf("%w: build type %s is not available on %s", ErrConfiguration, only, p)
}
