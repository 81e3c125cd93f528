package tpbuild

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFirstFileWins(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "tpbuild.conf")
	global := filepath.Join(dir, "global.conf")
	writeFile(t, local, "# local settings\nTPBUILD_JOBS = 3\nTPBUILD_CDN_URL=\"https://mirror.example.com/\"\nnot a setting\n")
	writeFile(t, global, "TPBUILD_JOBS=99\n")

	cfg, err := loadConfig(filepath.Join(dir, "absent.conf"), local, global)
	require.NoError(t, err)
	assert.Equal(t, local, cfg.Source)

	s, err := initConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Jobs)
	assert.Equal(t, "https://mirror.example.com", s.CDNURL)
	assert.True(t, s.UseCurl)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tpbuild.conf")
	writeFile(t, path, "TPBUILD_JOBS=3\n")
	t.Setenv("TPBUILD_JOBS", "7")
	t.Setenv("TPBUILD_USE_CURL", "0")
	t.Setenv("TPBUILD_LINUXBREW_DIR", "/opt/brew"+string(filepath.ListSeparator)+"/home/builder/.linuxbrew")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	s, err := initConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, s.Jobs)
	assert.False(t, s.UseCurl)
	assert.Equal(t, []string{"/opt/brew", "/home/builder/.linuxbrew"}, s.LinuxbrewCandidates)
}

func TestInitConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)

	s, err := initConfig(cfg)
	require.NoError(t, err)
	assert.Positive(t, s.Jobs)
	assert.Equal(t, defaultCDNURL, s.CDNURL)
	assert.False(t, s.DumpEnv)
}

func TestInitConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"zero jobs":       {"TPBUILD_JOBS": "0"},
		"non-numeric":     {"TPBUILD_JOBS": "many"},
		"half s3 keypair": {"TPBUILD_S3_ACCESS_KEY_ID": "AKIA"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := initConfig(&Config{Values: values})
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
