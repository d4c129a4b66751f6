package retrieval

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/climate-archive-crawler/internal/clock/system"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

const header = "LOCATION,Fresno,CA,USA,TMY3,723890,36.78,-119.72,-8.0,100.0\n"

type fakeFetcher struct {
	bodies map[string][]byte
	errs   map[string]error
	delay  time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.peak.Load()
		if n <= cur || f.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if err, ok := f.errs[rawURL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.bodies[rawURL]
	if !ok {
		return crawler.FetchResponse{URL: rawURL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchResponse{URL: rawURL, StatusCode: http.StatusOK, Body: body}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func stationZip(t *testing.T, stem string) []byte {
	t.Helper()
	return zipBytes(t, map[string]string{
		stem + ".epw":  header,
		stem + ".stat": "stats",
	})
}

func newTestPipeline(t *testing.T, root string, f crawler.Fetcher, emitter progress.Emitter) *Pipeline {
	t.Helper()
	p, err := New(Config{OutputDir: root, Concurrency: 4}, Deps{
		Fetcher: f,
		Clock:   system.Fixed(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		Emitter: emitter,
	})
	require.NoError(t, err)
	return p
}

// listDir returns the entry names of dir, or nil when it does not exist.
func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRetrieveMirrorsPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	url := "https://climate.example.org/R/a/b/c.zip"
	f := &fakeFetcher{bodies: map[string][]byte{url: stationZip(t, "c")}}
	p := newTestPipeline(t, root, f, nil)

	out := p.Retrieve(context.Background(), url)
	require.NoError(t, out.Validate())
	require.Equal(t, StatusSuccess, out.Status, "err: %v", out.Err)

	want := filepath.Join(p.Root(), "R", "a", "b", "c", "c.epw")
	assert.Equal(t, want, out.Path)
	assert.FileExists(t, want)
	assert.FileExists(t, filepath.Join(p.Root(), "R", "a", "b", "c", "c.stat"))
	// Only the extracted directory remains: no archive, no staging.
	assert.Equal(t, []string{"c"}, listDir(t, filepath.Join(p.Root(), "R", "a", "b")))

	marker, err := ReadMarker(filepath.Join(p.Root(), "R", "a", "b", "c", MarkerName))
	require.NoError(t, err)
	assert.Equal(t, url, marker.URL)
	assert.Equal(t, "c.epw", marker.DataFile)
	assert.Equal(t, int64(len(f.bodies[url])), marker.ArchiveBytes)
	assert.Len(t, marker.ArchiveSHA256, 64)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), marker.RetrievedAt)
}

func TestRetrieveAllIsIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	urls := []string{
		"https://climate.example.org/R/one.zip",
		"https://climate.example.org/R/two.zip",
		"https://climate.example.org/S/three.zip",
	}
	f := &fakeFetcher{bodies: map[string][]byte{
		urls[0]: stationZip(t, "one"),
		urls[1]: stationZip(t, "two"),
		urls[2]: stationZip(t, "three"),
	}}
	p := newTestPipeline(t, root, f, nil)

	first := p.RetrieveAll(context.Background(), urls)
	for _, out := range first {
		require.Equal(t, StatusSuccess, out.Status, "err: %v", out.Err)
	}
	require.Equal(t, int32(3), f.calls.Load())

	second := p.RetrieveAll(context.Background(), urls)
	require.Len(t, second, 3)
	for i, out := range second {
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, first[i].Path, out.Path)
		assert.NoError(t, out.Validate())
	}
	assert.Equal(t, int32(3), f.calls.Load(), "a rerun must not fetch")
}

func TestRetrieveRetriesTargetWithoutMarker(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	url := "https://climate.example.org/R/station.zip"
	f := &fakeFetcher{bodies: map[string][]byte{url: stationZip(t, "station")}}
	p := newTestPipeline(t, root, f, nil)

	layout, err := p.Layout(url)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(layout.ExtractDir, 0o755))
	require.NoError(t, os.WriteFile(layout.Target, []byte("truncated"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.ExtractDir, "leftover.tmp"), nil, 0o644))

	out := p.Retrieve(context.Background(), url)
	require.Equal(t, StatusSuccess, out.Status, "err: %v", out.Err)
	assert.Equal(t, int32(1), f.calls.Load())

	body, err := os.ReadFile(layout.Target)
	require.NoError(t, err)
	assert.Equal(t, header, string(body))
	assert.NoFileExists(t, filepath.Join(layout.ExtractDir, "leftover.tmp"))
	assert.FileExists(t, layout.Marker)
}

func TestRetrieveAllExhaustiveAndContained(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	good1 := "https://climate.example.org/R/good1.zip"
	good2 := "https://climate.example.org/R/good2.zip"
	missing := "https://climate.example.org/R/missing.zip"
	refused := "https://climate.example.org/R/refused.zip"
	corrupt := "https://climate.example.org/R/corrupt.zip"
	noData := "https://climate.example.org/R/nodata.zip"
	escaping := "https://climate.example.org/R/../../../etc/evil.zip"
	urls := []string{good1, missing, refused, corrupt, noData, escaping, good2}

	f := &fakeFetcher{
		bodies: map[string][]byte{
			good1:   stationZip(t, "good1"),
			good2:   stationZip(t, "good2"),
			corrupt: []byte("PK not really"),
			noData:  zipBytes(t, map[string]string{"readme.txt": "nothing here"}),
		},
		errs: map[string]error{refused: errors.New("connection refused")},
	}
	emitter := &recordingEmitter{}
	p := newTestPipeline(t, root, f, emitter)

	outcomes := p.RetrieveAll(context.Background(), urls)
	require.Len(t, outcomes, len(urls))
	for i, out := range outcomes {
		assert.Equal(t, urls[i], out.URL)
		assert.NoError(t, out.Validate())
	}

	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, StatusSuccess, outcomes[6].Status)

	assert.Equal(t, StageFetch, outcomes[1].Stage)
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, outcomes[1].Err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)

	assert.Equal(t, StageFetch, outcomes[2].Stage)
	require.ErrorAs(t, outcomes[2].Err, &fetchErr)

	var extractErr *crawler.ExtractError
	assert.Equal(t, StageExtract, outcomes[3].Stage)
	assert.ErrorAs(t, outcomes[3].Err, &extractErr)
	assert.Equal(t, StageExtract, outcomes[4].Stage)
	assert.ErrorAs(t, outcomes[4].Err, &extractErr)

	var writeErr *crawler.WriteError
	assert.Equal(t, StageWrite, outcomes[5].Stage)
	assert.ErrorAs(t, outcomes[5].Err, &writeErr)

	// Failed archives leave nothing behind next to the successful ones.
	assert.ElementsMatch(t, []string{"good1", "good2"}, listDir(t, filepath.Join(p.Root(), "R")))

	summary := Summarize(outcomes)
	assert.Equal(t, 7, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, 2, summary.ByStage[StageFetch])
	assert.Equal(t, 2, summary.ByStage[StageExtract])
	assert.Equal(t, 1, summary.ByStage[StageWrite])

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Len(t, emitter.events, len(urls))
	for _, evt := range emitter.events {
		assert.Equal(t, progress.StageRetrieveDone, evt.Stage)
	}
}

func TestRetrieveExtractFailureCleansUp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	url := "https://climate.example.org/R/a/broken.zip"
	f := &fakeFetcher{bodies: map[string][]byte{url: []byte("definitely not a zip archive")}}
	p := newTestPipeline(t, root, f, nil)

	out := p.Retrieve(context.Background(), url)
	require.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, StageExtract, out.Stage)
	assert.Empty(t, out.Path)

	parent := filepath.Join(p.Root(), "R", "a")
	assert.Empty(t, listDir(t, parent))
	assert.NoFileExists(t, filepath.Join(parent, "broken.zip"))
	assert.NoDirExists(t, filepath.Join(parent, "broken"))
}

func TestRetrieveAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	bodies := map[string][]byte{}
	var urls []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		u := "https://climate.example.org/R/" + name + ".zip"
		urls = append(urls, u)
		bodies[u] = stationZip(t, name)
	}
	f := &fakeFetcher{bodies: bodies, delay: 10 * time.Millisecond}
	p, err := New(Config{OutputDir: root, Concurrency: 3}, Deps{Fetcher: f})
	require.NoError(t, err)

	outcomes := p.RetrieveAll(context.Background(), urls)
	require.Len(t, outcomes, 10)
	assert.LessOrEqual(t, f.peak.Load(), int32(3))
	assert.Equal(t, 10, Summarize(outcomes).Succeeded)
}

func TestRetrieveCanceledIsFetchFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	url := "https://climate.example.org/R/slow.zip"
	f := &fakeFetcher{bodies: map[string][]byte{url: stationZip(t, "slow")}, delay: time.Second}
	p := newTestPipeline(t, root, f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := p.Retrieve(ctx, url)
	require.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, StageFetch, out.Stage)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestLayout(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, t.TempDir(), &fakeFetcher{}, nil)
	layout, err := p.Layout("https://climate.example.org/WMO_Region_4/USA/USA_CA_Fresno.723890_TMY3.zip")
	require.NoError(t, err)
	assert.Equal(t, "WMO_Region_4/USA/USA_CA_Fresno.723890_TMY3.zip", layout.Rel)
	assert.Equal(t, "USA_CA_Fresno.723890_TMY3", layout.Stem)
	assert.Equal(t, filepath.Join(p.Root(), "WMO_Region_4", "USA", "USA_CA_Fresno.723890_TMY3"), layout.ExtractDir)
	assert.Equal(t, filepath.Join(layout.ExtractDir, "USA_CA_Fresno.723890_TMY3.epw"), layout.Target)
	assert.Equal(t, filepath.Join(layout.ExtractDir, MarkerName), layout.Marker)

	_, err = p.Layout("https://climate.example.org/")
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{OutputDir: t.TempDir()}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Fetcher: &fakeFetcher{}})
	require.Error(t, err)
}
