package tpbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyArchives(t *testing.T) {
	good := []byte("zlib tarball")
	reg := newRegistry(t, map[string][]byte{
		"zlib-1.2.11.tar.gz":  good,
		"gflags-2.2.2.tar.gz": []byte("gflags tarball"),
		"lz4-1.9.tar.gz":      []byte("lz4 tarball"),
	})
	layout := Layout{Root: t.TempDir()}
	writeFile(t, layout.ArchivePath("zlib-1.2.11.tar.gz"), string(good))
	writeFile(t, layout.ArchivePath("gflags-2.2.2.tar.gz"), "truncated")

	deps := []*Descriptor{
		{Name: "zlib", Archive: "zlib-1.2.11.tar.gz"},
		{Name: "gflags", Archive: "gflags-2.2.2.tar.gz"},
		{Name: "lz4", Archive: "lz4-1.9.tar.gz"},
		{Name: "cpp_utils", URL: MkdirSentinel},
	}
	statuses, err := VerifyArchives(layout, reg, deps)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, ArchiveOK, statuses[0].State)
	assert.Equal(t, ArchiveMismatch, statuses[1].State)
	assert.Equal(t, sha256Hex([]byte("truncated")), statuses[1].Got.Encoded())
	assert.Equal(t, ArchiveMissing, statuses[2].State)

	assert.ErrorIs(t, printArchiveStatus(statuses), ErrIntegrity)
	assert.NoError(t, printArchiveStatus(statuses[:1]))
}

func TestVerifyArchivesNeedsRegistryEntries(t *testing.T) {
	reg := newRegistry(t, nil)
	_, err := VerifyArchives(Layout{Root: t.TempDir()}, reg, []*Descriptor{{Name: "zlib", Archive: "zlib-1.2.11.tar.gz"}})
	assert.ErrorIs(t, err, ErrMissingChecksum)
}
