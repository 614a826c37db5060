package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/resolver"
	"github.com/fly-io/modelworker/pkg/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelsRoot = "/models"

// fakeStrategy writes payload to dst or fails, recording every URL it saw.
type fakeStrategy struct {
	name    string
	payload string
	err     error
	calls   []string
}

func (s *fakeStrategy) Name() string            { return s.name }
func (s *fakeStrategy) Accepts(url string) bool { return strings.HasPrefix(url, "http") }

func (s *fakeStrategy) Fetch(ctx context.Context, fs afero.Fs, url, dst string) (*Result, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		// leave a partial file behind to prove staging is cleaned up
		afero.WriteFile(fs, dst, []byte("partial"), 0o644)
		return nil, s.err
	}
	if err := afero.WriteFile(fs, dst, []byte(s.payload), 0o644); err != nil {
		return nil, err
	}
	return &Result{SHA256: "fake"}, nil
}

type memLedger struct {
	rows map[string]*db.Artifact
}

func (l *memLedger) UpsertArtifact(a *db.Artifact) error {
	if l.rows == nil {
		l.rows = map[string]*db.Artifact{}
	}
	copied := *a
	l.rows[a.Destination] = &copied
	return nil
}

func listFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	var files []string
	afero.Walk(fs, modelsRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func TestEnsure_DownloadsMissingArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", payload: "weights"}
	ledger := &memLedger{}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary}, ledger)

	rec := f.Ensure(context.Background(), "vae", "https://example.com/v.safetensors")

	require.False(t, rec.Failed(), rec.Err)
	assert.True(t, rec.Downloaded)
	assert.Equal(t, "primary", rec.Strategy)
	data, err := afero.ReadFile(fs, rec.Destination)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	assert.Equal(t, []string{rec.Destination}, listFiles(t, fs), "no staging files left behind")

	row := ledger.rows[rec.Destination]
	require.NotNil(t, row)
	assert.Equal(t, db.StatusReady, row.Status)
	assert.Equal(t, int64(len("weights")), row.Size)
}

func TestEnsure_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", payload: "weights"}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary}, nil)
	ctx := context.Background()

	first := f.Ensure(ctx, "lora", "https://civitai.com/models/12345")
	second := f.Ensure(ctx, "lora", "https://civitai.com/models/12345")

	assert.True(t, first.Downloaded)
	assert.False(t, second.Downloaded)
	assert.Equal(t, first.Destination, second.Destination)
	assert.Len(t, primary.calls, 1, "second ensure must not transfer")
}

func TestEnsure_RewritesLandingPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", payload: "w"}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary}, nil)

	rec := f.Ensure(context.Background(), "lora", "https://civitai.com/models/12345")

	assert.Equal(t, []string{"https://civitai.com/api/download/models/12345"}, primary.calls)
	assert.Equal(t, filepath.Join(modelsRoot, "loras", "civ-12345.safetensors"), rec.Destination)
}

func TestEnsure_FallsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", err: fmt.Errorf("exit status 1")}
	fallback := &fakeStrategy{name: "fallback", payload: "weights"}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary, fallback}, nil)

	rec := f.Ensure(context.Background(), "ckpt", "https://example.com/m")

	require.False(t, rec.Failed(), rec.Err)
	assert.Equal(t, "fallback", rec.Strategy)
	assert.Len(t, primary.calls, 1)
	assert.Len(t, fallback.calls, 1)
	assert.Equal(t, primary.calls, fallback.calls, "fallback fetches the same URL")
	assert.Equal(t, []string{rec.Destination}, listFiles(t, fs))
}

func TestEnsure_AllStrategiesFail(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", err: fmt.Errorf("boom")}
	fallback := &fakeStrategy{name: "fallback", err: fmt.Errorf("bang")}
	ledger := &memLedger{}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary, fallback}, ledger)

	rec := f.Ensure(context.Background(), "ckpt", "https://example.com/m")

	assert.True(t, rec.Failed())
	assert.False(t, rec.Downloaded)
	assert.Contains(t, rec.Err, "boom")
	assert.Contains(t, rec.Err, "bang")
	exists, _ := afero.Exists(fs, rec.Destination)
	assert.False(t, exists)
	assert.Empty(t, listFiles(t, fs), "partial staging files must be removed")
	assert.Equal(t, db.StatusFailed, ledger.rows[rec.Destination].Status)
}

func TestEnsure_EmptyTransferIsFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	empty := &fakeStrategy{name: "empty", payload: ""}
	f := New(fs, resolver.New(modelsRoot), []Strategy{empty}, nil)

	rec := f.Ensure(context.Background(), "ckpt", "https://example.com/m")

	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Err, "empty file")
}

func TestEnsure_NoStrategyAccepts(t *testing.T) {
	fs := afero.NewMemMapFs()
	primary := &fakeStrategy{name: "primary", payload: "w"}
	f := New(fs, resolver.New(modelsRoot), []Strategy{primary}, nil)

	rec := f.Ensure(context.Background(), "ckpt", "s3://bucket/key.safetensors")

	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Err, "no transfer strategy")
	assert.Empty(t, primary.calls)
}

func TestHTTPStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	s := NewHTTPStrategy(srv.Client())

	res, err := s.Fetch(context.Background(), fs, srv.URL+"/ok", "/out")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.SHA256)

	_, err = s.Fetch(context.Background(), fs, srv.URL+"/missing", "/out2")
	assert.Error(t, err)
}

func TestExecStrategy(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()

	ok := NewExecStrategy("sh", "sh", func(url, dst string) []string {
		return []string{"-c", `printf '%s' "$1" > "$2"`, "sh", url, dst}
	})
	dst := filepath.Join(dir, "a")
	res, err := ok.Fetch(context.Background(), fs, "https://example.com/a", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("https://example.com/a")), res.Size)

	failing := NewExecStrategy("sh", "sh", func(url, dst string) []string {
		return []string{"-c", "echo nope >&2; exit 3"}
	})
	_, err = failing.Fetch(context.Background(), fs, "https://example.com/b", filepath.Join(dir, "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	missing := NewExecStrategy("ghost", "definitely-not-a-real-binary-xyz", nil)
	_, err = missing.Fetch(context.Background(), fs, "https://example.com/c", filepath.Join(dir, "c"))
	assert.Error(t, err)
}

func TestBuildStrategies(t *testing.T) {
	strategies, err := BuildStrategies([]string{"aria2c", " Curl ", "http"}, StrategyDeps{})
	require.NoError(t, err)
	require.Len(t, strategies, 3)
	assert.Equal(t, "aria2c", strategies[0].Name())
	assert.Equal(t, "curl", strategies[1].Name())
	assert.Equal(t, "http", strategies[2].Name())

	_, err = BuildStrategies([]string{"s3"}, StrategyDeps{})
	assert.Error(t, err)

	_, err = BuildStrategies([]string{"wget"}, StrategyDeps{})
	assert.Error(t, err)

	_, err = BuildStrategies(nil, StrategyDeps{})
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) Exists(ctx context.Context, loc storage.Location) (bool, error) {
	_, ok := f.objects[loc.Bucket+"/"+loc.Key]
	return ok, nil
}

func (f *fakeS3) Download(ctx context.Context, loc storage.Location, w io.Writer) (*storage.DownloadResult, error) {
	n, err := io.WriteString(w, f.objects[loc.Bucket+"/"+loc.Key])
	return &storage.DownloadResult{Size: int64(n), SHA256: "s3"}, err
}

func TestS3Strategy(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewS3Strategy(&fakeS3{objects: map[string]string{"models/sd.safetensors": "weights"}})

	assert.True(t, s.Accepts("s3://models/sd.safetensors"))
	assert.False(t, s.Accepts("https://example.com/sd.safetensors"))

	res, err := s.Fetch(context.Background(), fs, "s3://models/sd.safetensors", "/out/a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Size)

	data, err := afero.ReadFile(fs, "/out/a")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	_, err = s.Fetch(context.Background(), fs, "s3://models/missing.safetensors", "/out/b")
	require.Error(t, err)
	exists, _ := afero.Exists(fs, "/out/b")
	assert.False(t, exists, "missing object must not leave a file behind")
}
