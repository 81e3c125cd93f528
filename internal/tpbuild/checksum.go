package tpbuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

var sha256HexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ChecksumRegistry maps archive filenames to their expected SHA-256 digest.
type ChecksumRegistry struct {
	path string
	sums map[string]digest.Digest
}

// LoadChecksumRegistry parses a "<sha256-hex> <filename>" file. Blank lines
// and lines starting with '#' are ignored. Any malformed line fails the load.
func LoadChecksumRegistry(path string) (*ChecksumRegistry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum file: %v", ErrFilesystem, err)
	}
	defer f.Close()
	return parseChecksums(path, f)
}

func parseChecksums(path string, r io.Reader) (*ChecksumRegistry, error) {
	reg := &ChecksumRegistry{path: path, sums: make(map[string]digest.Digest)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum, name, ok := strings.Cut(line, " ")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %s:%d: expected \"<sha256> <filename>\"", ErrConfiguration, path, lineNo)
		}
		if !sha256HexRe.MatchString(sum) {
			return nil, fmt.Errorf("%w: %s:%d: invalid sha256 %q", ErrConfiguration, path, lineNo, sum)
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, sum)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrConfiguration, path, lineNo, err)
		}
		if prev, dup := reg.sums[name]; dup && prev != d {
			return nil, fmt.Errorf("%w: %s:%d: conflicting entries for %s", ErrConfiguration, path, lineNo, name)
		}
		reg.sums[name] = d
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFilesystem, path, err)
	}
	return reg, nil
}

// Lookup returns the expected digest of filename.
func (r *ChecksumRegistry) Lookup(filename string) (digest.Digest, bool) {
	d, ok := r.sums[filename]
	return d, ok
}

// Require fails with ErrMissingChecksum naming every filename without an entry.
func (r *ChecksumRegistry) Require(filenames ...string) error {
	var missing []string
	for _, name := range filenames {
		if _, ok := r.sums[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	missing = slices.Compact(missing)
	return fmt.Errorf("%w: no entry in %s for %s", ErrMissingChecksum, filepath.Base(r.path), strings.Join(missing, ", "))
}

// digestFile computes the SHA-256 digest of the file at path.
func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.SHA256.FromReader(f)
}

// ComputeChecksums digests paths concurrently. The result is keyed by path.
func ComputeChecksums(paths []string, workers int) (map[string]digest.Digest, error) {
	if workers < 1 {
		workers = 1
	}
	type result struct {
		path string
		sum  digest.Digest
		err  error
	}

	jobs := make(chan string)
	results := make(chan result)
	var wg sync.WaitGroup
	for range min(workers, max(len(paths), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				sum, err := digestFile(p)
				results <- result{path: p, sum: sum, err: err}
			}
		}()
	}
	go func() {
		for _, p := range paths {
			jobs <- p
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	sums := make(map[string]digest.Digest, len(paths))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrFilesystem, res.err)
			}
			continue
		}
		sums[res.path] = res.sum
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return sums, nil
}

// writeChecksumLines prints registry lines for paths in the given order.
func writeChecksumLines(w io.Writer, paths []string, sums map[string]digest.Digest) error {
	for _, p := range paths {
		if _, err := fmt.Fprintf(w, "%s  %s\n", sums[p].Encoded(), filepath.Base(p)); err != nil {
			return err
		}
	}
	return nil
}
