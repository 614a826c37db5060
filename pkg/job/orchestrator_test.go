package job

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/engine"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/workflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outDir = "/comfy/output"

// fakeEngine writes one output per submitted prompt into the shared output
// directory, named after the prompt's filename_prefix as the real engine does.
type fakeEngine struct {
	fs afero.Fs

	mu         sync.Mutex
	files      map[string]string
	polls      map[string]int
	doneAfter  int
	status     string
	submitErr  error
	viewErr    error
	historyErr error
	deleted    []string
	submitted  []map[string]any
	neverReady bool
}

func newFakeEngine(fs afero.Fs) *fakeEngine {
	return &fakeEngine{
		fs:        fs,
		files:     map[string]string{},
		polls:     map[string]int{},
		doneAfter: 2,
		status:    "success",
	}
}

func (e *fakeEngine) Submit(ctx context.Context, body map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return "", e.submitErr
	}
	e.submitted = append(e.submitted, body)

	nodes := body["prompt"].(map[string]any)
	node := nodes["9"].(map[string]any)
	prefix := node["inputs"].(map[string]any)["filename_prefix"].(string)

	name := prefix + "_00001_.png"
	if err := afero.WriteFile(e.fs, filepath.Join(outDir, name), []byte("image:"+name), 0o644); err != nil {
		return "", err
	}
	id := fmt.Sprintf("p-%d", len(e.submitted))
	e.files[id] = name
	return id, nil
}

func (e *fakeEngine) History(ctx context.Context, promptID string) (*engine.HistoryEntry, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls[promptID]++
	if e.historyErr != nil {
		return nil, false, e.historyErr
	}
	if e.neverReady || e.polls[promptID] < e.doneAfter {
		return nil, false, nil
	}
	return &engine.HistoryEntry{
		Outputs: map[string]engine.NodeOutput{
			"9": {Images: []engine.OutputFile{{Filename: e.files[promptID], Type: "output"}}},
		},
		Status: &engine.Status{StatusStr: e.status, Completed: e.status == "success"},
	}, true, nil
}

func (e *fakeEngine) View(ctx context.Context, f engine.OutputFile) ([]byte, error) {
	if e.viewErr != nil {
		return nil, e.viewErr
	}
	return afero.ReadFile(e.fs, filepath.Join(outDir, f.Subfolder, f.Filename))
}

func (e *fakeEngine) DeleteQueued(ctx context.Context, promptID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, promptID)
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	created []string
	updates []db.Job
}

func (l *fakeLedger) CreateJob(j *db.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, j.Prefix)
	return nil
}

func (l *fakeLedger) UpdateJob(j *db.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, *j)
	return nil
}

func (l *fakeLedger) last() db.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[len(l.updates)-1]
}

func testGraph(t *testing.T) workflow.Graph {
	t.Helper()
	g, err := workflow.Parse([]byte(`{
		"8": {"class_type": "VAEDecode", "inputs": {}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "portrait", "images": ["8", 0]}}
	}`))
	require.NoError(t, err)
	return g
}

func fastOptions() Options {
	return Options{PollInterval: 2 * time.Millisecond, Timeout: 5 * time.Second}
}

func outputNames(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func decode(t *testing.T, img Image) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(img.B64)
	require.NoError(t, err)
	return string(data)
}

func TestNewPrefix(t *testing.T) {
	pattern := regexp.MustCompile(`^job_[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p := NewPrefix()
		assert.Regexp(t, pattern, p)
		assert.False(t, seen[p], "prefix %s repeated", p)
		seen[p] = true
	}
}

func TestRun_CollectsAndCleans(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, outDir+"/job_000000000000_ComfyUI_00001_.png", []byte("other"), 0o644))
	require.NoError(t, afero.WriteFile(fs, outDir+"/unrelated.png", []byte("keep"), 0o644))

	eng := newFakeEngine(fs)
	ledger := &fakeLedger{}
	o := New(eng, fs, outDir, ledger, fastOptions())

	result, err := o.Run(context.Background(), testGraph(t))
	require.NoError(t, err)
	require.Len(t, result.Images, 1)

	content := decode(t, result.Images[0])
	assert.True(t, strings.HasPrefix(content, "image:job_"))
	assert.True(t, strings.HasSuffix(content, "_portrait_00001_.png"))

	assert.Equal(t, []string{"job_000000000000_ComfyUI_00001_.png", "unrelated.png"}, outputNames(t, fs))

	require.Len(t, ledger.created, 1)
	last := ledger.last()
	assert.Equal(t, db.JobCollected, last.Status)
	assert.True(t, last.Cleaned)
	assert.Equal(t, 1, last.ImageCount)
}

func TestRun_CorrelationIsolation(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.doneAfter = 3
	o := New(eng, fs, outDir, nil, fastOptions())

	const jobs = 4
	results := make([]*Result, jobs)
	errs := make([]error, jobs)

	g := testGraph(t)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Run(context.Background(), g)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < jobs; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Images, 1, "each job collects only its own output")
		content := decode(t, results[i].Images[0])
		assert.False(t, seen[content], "two jobs collected %s", content)
		seen[content] = true
	}
	assert.Empty(t, outputNames(t, fs))
}

func TestRun_CleanupOnRetrievalFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.viewErr = fmt.Errorf("%w: GET /view: status code 500", errors.ErrEngine)
	ledger := &fakeLedger{}
	o := New(eng, fs, outDir, ledger, fastOptions())

	_, err := o.Run(context.Background(), testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEngine))
	assert.Empty(t, outputNames(t, fs))
	assert.Empty(t, eng.deleted, "a finished prompt is not dequeued")

	last := ledger.last()
	assert.Equal(t, db.JobFailed, last.Status)
	assert.True(t, last.Cleaned)
	assert.Contains(t, last.ErrorMessage, "status code 500")
}

func TestRun_SubmitFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.submitErr = fmt.Errorf("%w: POST /prompt: status code 400", errors.ErrEngine)
	ledger := &fakeLedger{}
	o := New(eng, fs, outDir, ledger, fastOptions())

	_, err := o.Run(context.Background(), testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEngine))
	assert.True(t, ledger.last().Cleaned, "cleanup runs even when nothing was submitted")
}

func TestRun_HistoryFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.historyErr = fmt.Errorf("%w: GET /history/p-1: status code 500", errors.ErrEngine)
	o := New(eng, fs, outDir, nil, Options{PollInterval: 2 * time.Millisecond, Timeout: time.Minute})

	started := time.Now()
	_, err := o.Run(context.Background(), testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEngine))
	assert.False(t, errors.Is(err, errors.ErrJobTimeout))
	assert.Less(t, time.Since(started), 10*time.Second, "a failed history request must not wait for the deadline")
	assert.Equal(t, 1, eng.polls["p-1"])
	assert.Empty(t, eng.deleted)
	assert.Empty(t, outputNames(t, fs))
}

func TestRun_EngineReportsError(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.status = "error"
	o := New(eng, fs, outDir, nil, fastOptions())

	_, err := o.Run(context.Background(), testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEngine))
	assert.Empty(t, outputNames(t, fs))
}

func TestRun_Timeout(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.neverReady = true
	o := New(eng, fs, outDir, nil, Options{PollInterval: 2 * time.Millisecond, Timeout: 30 * time.Millisecond})

	_, err := o.Run(context.Background(), testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrJobTimeout))
	assert.Equal(t, []string{"p-1"}, eng.deleted)
	assert.Empty(t, outputNames(t, fs))
}

func TestRun_Cancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := newFakeEngine(fs)
	eng.neverReady = true
	o := New(eng, fs, outDir, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := o.Run(ctx, testGraph(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"p-1"}, eng.deleted)
	assert.Empty(t, outputNames(t, fs))
}

func TestCleanup_RunsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := New(newFakeEngine(fs), fs, outDir, nil, fastOptions())
	j := o.NewJob(testGraph(t))

	require.NoError(t, afero.WriteFile(fs, filepath.Join(outDir, j.Prefix+"_a.png"), []byte("a"), 0o644))
	require.NoError(t, fs.MkdirAll(filepath.Join(outDir, j.Prefix+"_frames"), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(outDir, j.Prefix+"x.png"), []byte("x"), 0o644))

	removed, failures := o.Cleanup(j)
	assert.Len(t, removed, 2)
	assert.Empty(t, failures)
	assert.Equal(t, []string{j.Prefix + "x.png"}, outputNames(t, fs), "only <prefix>_ entries are removed")

	require.NoError(t, afero.WriteFile(fs, filepath.Join(outDir, j.Prefix+"_late.png"), []byte("b"), 0o644))
	again, _ := o.Cleanup(j)
	assert.Equal(t, removed, again)
	assert.Contains(t, outputNames(t, fs), j.Prefix+"_late.png")
}

func TestCleanup_MissingOutputDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := New(newFakeEngine(fs), fs, outDir, nil, fastOptions())

	removed, failures := o.RemoveOutputs("job_abc")
	assert.Empty(t, removed)
	assert.Empty(t, failures)
}
