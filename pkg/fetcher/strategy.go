package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/storage"
	"github.com/spf13/afero"
)

// Result describes a completed transfer. SHA256 is empty when the strategy
// does not see the bytes.
type Result struct {
	Size   int64
	SHA256 string
}

// Strategy transfers one URL to a local path.
type Strategy interface {
	Name() string
	// Accepts reports whether the strategy can fetch url at all.
	Accepts(url string) bool
	// Fetch writes the object behind url to dst.
	Fetch(ctx context.Context, fs afero.Fs, url, dst string) (*Result, error)
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// ExecStrategy shells out to an external transfer tool. It writes through the
// OS filesystem, so it only pairs with afero.OsFs.
type ExecStrategy struct {
	name string
	path string
	args func(url, dst string) []string
}

// NewExecStrategy builds a strategy running path with args(url, dst).
func NewExecStrategy(name, path string, args func(url, dst string) []string) *ExecStrategy {
	return &ExecStrategy{name: name, path: path, args: args}
}

// Aria2c is the multi-connection primary transfer.
func Aria2c() *ExecStrategy {
	return NewExecStrategy("aria2c", "aria2c", func(url, dst string) []string {
		return []string{
			"-x", "8", "-s", "8", "-k", "1M",
			"--allow-overwrite=true", "--auto-file-renaming=false",
			"--console-log-level=warn", "--summary-interval=0",
			"-o", filepath.Base(dst), "-d", filepath.Dir(dst),
			url,
		}
	})
}

// Curl is the single-stream fallback transfer.
func Curl() *ExecStrategy {
	return NewExecStrategy("curl", "curl", func(url, dst string) []string {
		return []string{"-fsSL", "--retry", "3", "-o", dst, url}
	})
}

func (s *ExecStrategy) Name() string { return s.name }

func (s *ExecStrategy) Accepts(url string) bool { return isHTTP(url) }

func (s *ExecStrategy) Fetch(ctx context.Context, fs afero.Fs, url, dst string) (*Result, error) {
	bin, err := exec.LookPath(s.path)
	if err != nil {
		return nil, errors.Wrap(err, s.name+" unavailable")
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, s.args(url, dst)...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	slog.Debug("exec_transfer_start", "strategy", s.name, "dst", dst)
	if err := cmd.Run(); err != nil {
		// aria2c leaves a control file next to an interrupted download
		fs.Remove(dst + ".aria2")
		return nil, fmt.Errorf("%s failed: %w: %s", s.name, err, tail(output.String(), 512))
	}

	fi, err := fs.Stat(dst)
	if err != nil {
		return nil, errors.Wrap(err, s.name+" reported success but wrote nothing")
	}
	return &Result{Size: fi.Size()}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// HTTPStrategy downloads in-process with net/http.
type HTTPStrategy struct {
	client *http.Client
}

// NewHTTPStrategy builds the in-process strategy; nil selects http.DefaultClient.
func NewHTTPStrategy(client *http.Client) *HTTPStrategy {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStrategy{client: client}
}

func (s *HTTPStrategy) Name() string { return "http" }

func (s *HTTPStrategy) Accepts(url string) bool { return isHTTP(url) }

func (s *HTTPStrategy) Fetch(ctx context.Context, fs afero.Fs, url, dst string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download failed: status code %d", resp.StatusCode)
	}

	return writeHashed(fs, dst, resp.Body)
}

func writeHashed(fs afero.Fs, dst string, r io.Reader) (*Result, error) {
	f, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write file")
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync file")
	}

	return &Result{Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

// Downloader is the subset of the S3 client the s3 strategy needs.
type Downloader interface {
	Exists(ctx context.Context, loc storage.Location) (bool, error)
	Download(ctx context.Context, loc storage.Location, w io.Writer) (*storage.DownloadResult, error)
}

// S3Strategy fetches s3://bucket/key links.
type S3Strategy struct {
	client Downloader
}

// NewS3Strategy wraps an S3 client.
func NewS3Strategy(client Downloader) *S3Strategy {
	return &S3Strategy{client: client}
}

func (s *S3Strategy) Name() string { return "s3" }

func (s *S3Strategy) Accepts(url string) bool { return strings.HasPrefix(url, "s3://") }

func (s *S3Strategy) Fetch(ctx context.Context, fs afero.Fs, url, dst string) (*Result, error) {
	loc, err := storage.ParseLocation(url)
	if err != nil {
		return nil, err
	}

	exists, err := s.client.Exists(ctx, loc)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("s3 object not found: %s", url)
	}

	f, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	res, err := s.client.Download(ctx, loc, f)
	if err != nil {
		return nil, err
	}
	return &Result{Size: res.Size, SHA256: res.SHA256}, nil
}

// StrategyDeps carries what named strategies need to be built.
type StrategyDeps struct {
	HTTPClient *http.Client
	S3         Downloader
}

// BuildStrategies turns configured names into strategies, in order.
func BuildStrategies(names []string, deps StrategyDeps) ([]Strategy, error) {
	var strategies []Strategy
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "aria2c":
			strategies = append(strategies, Aria2c())
		case "curl":
			strategies = append(strategies, Curl())
		case "http":
			strategies = append(strategies, NewHTTPStrategy(deps.HTTPClient))
		case "s3":
			if deps.S3 == nil {
				return nil, fmt.Errorf("s3 strategy requires an S3 client")
			}
			strategies = append(strategies, NewS3Strategy(deps.S3))
		default:
			return nil, fmt.Errorf("unknown fetch strategy: %s", name)
		}
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no fetch strategies configured")
	}
	return strategies, nil
}
