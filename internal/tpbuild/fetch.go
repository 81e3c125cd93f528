package tpbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Downloader transfers url into dest. dest must not be trusted until verified.
type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some mirrors are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Minute,
	}
}

// HTTPDownloader fetches http(s) URLs with curl when available and the
// native client otherwise.
type HTTPDownloader struct {
	Client  *http.Client
	UseCurl bool
	Exec    *Executor
	Quiet   bool
}

func NewHTTPDownloader(exec *Executor, useCurl bool) *HTTPDownloader {
	return &HTTPDownloader{Client: newHttpClient(), UseCurl: useCurl, Exec: exec}
}

func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) error {
	if d.UseCurl && d.Exec != nil {
		if _, err := exec.LookPath("curl"); err == nil {
			return d.downloadCurl(ctx, url, dest)
		}
		debugf("curl not found, using native Go HTTP client\n")
	}
	return d.downloadNative(ctx, url, dest)
}

func (d *HTTPDownloader) downloadCurl(ctx context.Context, url, dest string) error {
	args := []string{"-L", "--fail", "-o", dest}
	if d.Quiet || !isTerminal(os.Stderr) {
		args = append(args, "-sS")
	} else {
		args = append(args, "-#")
	}
	args = append(args, url)
	cmd := exec.Command("curl", args...)
	cmd.Stdin = strings.NewReader("")
	if err := d.Exec.WithContext(ctx).Run(cmd); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	return nil
}

func (d *HTTPDownloader) downloadNative(ctx context.Context, url, dest string) error {
	client := d.Client
	if client == nil {
		client = newHttpClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %s", ErrDownload, url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrFilesystem, dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if !d.Quiet && isTerminal(os.Stdout) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	return out.Close()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Fetcher downloads archives and admits them only after their digest matches
// the registry.
type Fetcher struct {
	Registry *ChecksumRegistry
	HTTP     Downloader
	Objects  Downloader // handles s3:// URLs, may be nil
}

func (f *Fetcher) downloaderFor(url string) (Downloader, error) {
	switch {
	case strings.HasPrefix(url, "s3://"):
		if f.Objects == nil {
			return nil, fmt.Errorf("%w: no object store configured for %s", ErrConfiguration, url)
		}
		return f.Objects, nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return f.HTTP, nil
	}
	return nil, fmt.Errorf("%w: unsupported url scheme: %s", ErrConfiguration, url)
}

// EnsureFetched makes sure dest holds the artifact named by its basename with
// the registry digest. An existing matching file is kept; anything else is
// replaced by a fresh download. On failure dest does not exist.
func (f *Fetcher) EnsureFetched(ctx context.Context, url, dest string) error {
	name := filepath.Base(dest)
	want, ok := f.Registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingChecksum, name)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	lock, err := acquireLock(dest+".lock", true)
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, err := os.Stat(dest); err == nil {
		got, err := digestFile(dest)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
		if got == want {
			logStep("No need to re-download %s: checksum already correct", name)
			return nil
		}
		cPrintf(colWarn, "Checksum mismatch for existing %s (got %s, want %s), re-downloading\n", name, got.Encoded(), want.Encoded())
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}

	dl, err := f.downloaderFor(url)
	if err != nil {
		return err
	}

	part := dest + ".part"
	_ = os.Remove(part)
	logStep("Fetching %s", url)
	if err := dl.Download(ctx, url, part); err != nil {
		_ = os.Remove(part)
		return err
	}
	if _, err := os.Stat(part); err != nil {
		return fmt.Errorf("%w: download of %s produced no file", ErrFilesystem, url)
	}

	got, err := digestFile(part)
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if got != want {
		_ = os.Remove(part)
		return fmt.Errorf("%w: %s: got %s, want %s", ErrIntegrity, name, got.Encoded(), want.Encoded())
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	debugf("Fetched %s (%s)\n", dest, got)
	return nil
}
