package sentinel

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	accept string
	body   map[string]any
}

type fakeSaaS struct {
	mu       sync.Mutex
	requests []recorded
	tokens   int
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newFakeSaaS(t *testing.T) (*httptest.Server, *fakeSaaS) {
	f := &fakeSaaS{}
	archive := tarOf(t, map[string]string{"default.tif": "TIFF", "userdata.json": `{"newDisturbed":{"240105":3}}`})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	record := func(r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization"), accept: r.Header.Get("Accept")}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &rec.body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()
	}
	mux.HandleFunc("POST /api/v1/byoc/collections", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"data":{"id":"coll-1"}}`)
	})
	mux.HandleFunc("POST /api/v1/byoc/collections/coll-1/tiles", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"data":{"id":"tile-1"}}`)
	})
	mux.HandleFunc("GET /api/v1/byoc/collections/coll-1/tiles/tile-1", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"data":{"status":"FAILED","additionalData":{"failedIngestionCause":"missing band"}}}`)
	})
	mux.HandleFunc("DELETE /api/v1/byoc/collections/gone", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/v1/process", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "application/tar")
		w.Write(archive)
	})
	mux.HandleFunc("POST /api/v1/async/process", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"id":"job-9","status":"RUNNING"}`)
	})
	mux.HandleFunc("GET /api/v1/async/process/job-9", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("GET /api/v1/async/process/job-1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"job-1","status":"RUNNING"}`)
	})
	mux.HandleFunc("POST /configuration/v1/wms/instances", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{"id":"inst-1"}`)
	})
	mux.HandleFunc("POST /configuration/v1/wms/instances/inst-1/layers", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		io.WriteString(w, `{}`)
	})
	mux.HandleFunc("DELETE /configuration/v1/wms/instances/inst-1", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/byoc/collections/bad/tiles", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /api/v1/byoc/collections/coll-1/tiles/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("DELETE /configuration/v1/wms/instances/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("POST /api/v1/acl/collection/coll-1/da/{account}/USE", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/acl/collection/gone/da/{account}/USE", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, f
}

func newTestClient(ts *httptest.Server) *Client {
	ep := Endpoint{Name: "TEST", BaseURL: ts.URL, AuthURL: ts.URL + "/token", ViewerURL: ts.URL + "/viewer?"}
	return New(context.Background(), ep, "id", "secret", WithRateLimit(100))
}

func TestCollectionLifecycleUsesBearerToken(t *testing.T) {
	ts, f := newFakeSaaS(t)
	c := newTestClient(ts)
	ctx := context.Background()

	id, err := c.CreateCollection(ctx, "forest", "forest-abc12345")
	require.NoError(t, err)
	assert.Equal(t, "coll-1", id)

	tileID, err := c.CreateTile(ctx, id, NewTile("forest", "f1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, "tile-1", tileID)

	st, err := c.Tile(ctx, id, tileID)
	require.NoError(t, err)
	assert.Equal(t, TileStatus{Status: "FAILED", Cause: "missing band"}, st)

	err = c.DeleteCollection(ctx, "gone")
	assert.ErrorIs(t, err, failure.ErrNotFound)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.tokens)
	require.GreaterOrEqual(t, len(f.requests), 2)
	assert.Equal(t, "Bearer tok", f.requests[0].auth)
	assert.Equal(t, map[string]any{"name": "forest", "s3Bucket": "forest-abc12345"}, f.requests[0].body)
	assert.Equal(t, "forest/f1/(BAND).tif", f.requests[1].body["path"])
	assert.Equal(t, "2024-01-01T00:00:00Z", f.requests[1].body["sensingTime"])
}

func TestProcessReturnsTarMembers(t *testing.T) {
	ts, f := newFakeSaaS(t)
	c := newTestClient(ts)
	files, err := c.Process(context.Background(), ProcessRequest{Evalscript: "//VERSION=3"})
	require.NoError(t, err)
	assert.Equal(t, "TIFF", string(files["default.tif"]))
	assert.JSONEq(t, `{"newDisturbed":{"240105":3}}`, string(files["userdata.json"]))
	assert.Equal(t, "application/tar", f.requests[0].accept)
}

func TestAsyncSubmitAndStatus(t *testing.T) {
	ts, _ := newFakeSaaS(t)
	c := newTestClient(ts)
	ctx := context.Background()

	job, err := c.SubmitAsync(ctx, ProcessRequest{})
	require.NoError(t, err)
	assert.Equal(t, "job-9", job)

	running, err := c.AsyncRunning(ctx, "job-9")
	require.NoError(t, err)
	assert.False(t, running)

	running, err = c.AsyncRunning(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestConfigurationInstanceAndLayer(t *testing.T) {
	ts, f := newFakeSaaS(t)
	c := newTestClient(ts)
	ctx := context.Background()

	id, err := c.CreateInstance(ctx, MonitorInstance("forest"))
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)

	layerID, err := c.AddCollectionLayer(ctx, id, "Disturbed-Date", "//VERSION=3", "coll-1")
	require.NoError(t, err)
	assert.Equal(t, "DISTURBED-DATE", layerID)
	require.NoError(t, c.DeleteInstance(ctx, id))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Disturbance Monitor - forest", f.requests[0].body["name"])
	layer := f.requests[1].body
	assert.Equal(t, "DISTURBED-DATE", layer["id"])
	defaults := layer["datasourceDefaults"].(map[string]any)
	assert.Equal(t, "coll-1", defaults["collectionId"])
	assert.Equal(t, ts.URL+"/configuration/v1/datasets/CUSTOM/sources/10", layer["datasetSource"].(map[string]any)["@id"])
}

func TestServerErrorIsAPIError(t *testing.T) {
	ts, _ := newFakeSaaS(t)
	c := newTestClient(ts)
	_, err := c.CreateTile(context.Background(), "bad", Tile{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.NotErrorIs(t, err, failure.ErrNotFound)
}

func TestNotFoundOnlyForKnownIDs(t *testing.T) {
	ts, _ := newFakeSaaS(t)
	c := newTestClient(ts)
	ctx := context.Background()

	_, err := c.Tile(ctx, "coll-1", "gone")
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.ErrorIs(t, c.DeleteInstance(ctx, "gone"), failure.ErrNotFound)

	// the mux has no route for this collection; a 404 while creating is a
	// remote failure, not a missing monitor
	_, err = c.CreateTile(ctx, "unknown", Tile{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotErrorIs(t, err, failure.ErrNotFound)
}

func TestShareCollection(t *testing.T) {
	ts, f := newFakeSaaS(t)
	c := newTestClient(ts)
	ctx := context.Background()

	require.NoError(t, c.ShareCollection(ctx, "coll-1", "acct-42"))
	assert.ErrorIs(t, c.ShareCollection(ctx, "gone", "acct-42"), failure.ErrNotFound)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.requests, 1)
	assert.Equal(t, http.MethodPost, f.requests[0].method)
	assert.Equal(t, "/api/v1/acl/collection/coll-1/da/acct-42/USE", f.requests[0].path)
	assert.Equal(t, "notes=", f.requests[0].query)
	assert.Equal(t, "Bearer tok", f.requests[0].auth)
}

func TestAPIErrorTransient(t *testing.T) {
	for status, want := range map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	} {
		assert.Equal(t, want, (&APIError{Status: status}).Transient(), "status %d", status)
	}
}

func TestLookup(t *testing.T) {
	ep, err := Lookup("cdse")
	require.NoError(t, err)
	assert.Equal(t, "https://sh.dataspace.copernicus.eu", ep.BaseURL)
	_, err = Lookup("nowhere")
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
}

func TestDayRange(t *testing.T) {
	r := DayRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, TimeRange{From: "2024-01-01T00:00:00Z", To: "2024-02-01T23:59:59Z"}, r)
}
