package tpbuild

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

const (
	configFileName = "tpbuild.conf"
	defaultCDNURL  = "http://d3dr9sfxru4sde.cloudfront.net"
)

// Config holds raw KEY=VALUE settings from the config file and TPBUILD_* env vars.
type Config struct {
	Values map[string]string
	Source string // file the values were read from, empty if none
}

// Settings is the typed view of Config used by the rest of the package.
type Settings struct {
	Jobs                int
	CDNURL              string
	GCCPrefix           string
	ClangPrefix         string
	LinuxbrewCandidates []string
	S3Endpoint          string
	S3Region            string
	S3AccessKey         string
	S3SecretKey         string
	UseCurl             bool
	DumpEnv             bool
	Debug               bool
}

// configSearchPath lists config file candidates, most specific first.
func configSearchPath(tpDir string) []string {
	return []string{
		filepath.Join(tpDir, configFileName),
		filepath.Join(xdg.ConfigHome, "tpbuild", configFileName),
		filepath.Join("/etc", configFileName),
	}
}

// loadConfig reads the first existing file among paths and applies env overrides.
func loadConfig(paths ...string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	for _, path := range paths {
		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrConfiguration, path, err)
		}
		err = parseConfig(file, cfg.Values)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
		}
		cfg.Source = path
		break
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

func parseConfig(f *os.File, values map[string]string) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		values[key] = val
	}
	return scanner.Err()
}

// Merge TPBUILD_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "TPBUILD_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// initConfig converts raw values into Settings, applying defaults.
func initConfig(cfg *Config) (Settings, error) {
	s := Settings{
		Jobs:        runtime.NumCPU(),
		CDNURL:      cfg.Values["TPBUILD_CDN_URL"],
		GCCPrefix:   cfg.Values["TPBUILD_GCC_PREFIX"],
		ClangPrefix: cfg.Values["TPBUILD_CLANG_PREFIX"],
		S3Endpoint:  cfg.Values["TPBUILD_S3_ENDPOINT"],
		S3Region:    cfg.Values["TPBUILD_S3_REGION"],
		S3AccessKey: cfg.Values["TPBUILD_S3_ACCESS_KEY_ID"],
		S3SecretKey: cfg.Values["TPBUILD_S3_SECRET_ACCESS_KEY"],
		UseCurl:     cfg.Values["TPBUILD_USE_CURL"] != "0",
		DumpEnv:     cfg.Values["TPBUILD_DUMP_ENV"] == "1",
		Debug:       cfg.Values["TPBUILD_DEBUG"] == "1",
	}

	if s.CDNURL == "" {
		s.CDNURL = defaultCDNURL
	}
	s.CDNURL = strings.TrimSuffix(s.CDNURL, "/")

	if v := cfg.Values["TPBUILD_JOBS"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return s, fmt.Errorf("%w: TPBUILD_JOBS must be a positive integer, got %q", ErrConfiguration, v)
		}
		s.Jobs = n
	}

	if v := cfg.Values["TPBUILD_LINUXBREW_DIR"]; v != "" {
		s.LinuxbrewCandidates = filepath.SplitList(v)
	} else if home, err := os.UserHomeDir(); err == nil {
		s.LinuxbrewCandidates = []string{filepath.Join(home, ".linuxbrew")}
	}

	if (s.S3AccessKey == "") != (s.S3SecretKey == "") {
		return s, fmt.Errorf("%w: TPBUILD_S3_ACCESS_KEY_ID and TPBUILD_S3_SECRET_ACCESS_KEY must be set together", ErrConfiguration)
	}

	return s, nil
}
