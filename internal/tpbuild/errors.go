package tpbuild

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports invalid settings, catalog entries or flags.
	ErrConfiguration = errors.New("configuration error")

	// ErrIntegrity reports a downloaded artifact whose digest does not match.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrMissingChecksum reports an artifact with no registry entry.
	ErrMissingChecksum = fmt.Errorf("%w: missing checksum", ErrConfiguration)

	// ErrDownload reports a failed transfer.
	ErrDownload = errors.New("download failed")

	// ErrExternalTool reports a non-zero exit from a spawned program.
	ErrExternalTool = errors.New("external tool failed")

	// ErrFilesystem reports a path that is missing or has the wrong type.
	ErrFilesystem = errors.New("filesystem error")

	// ErrUnknownDependency reports a name that is not in the catalog.
	ErrUnknownDependency = fmt.Errorf("%w: unknown dependency", ErrConfiguration)

	// ErrUnsupportedPlatform reports a host the composer has no flags for.
	ErrUnsupportedPlatform = fmt.Errorf("%w: unsupported platform", ErrConfiguration)
)
