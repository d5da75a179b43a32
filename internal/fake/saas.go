package fake

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
)

// SaaS implements the collection, configuration and processing surfaces.
// Asynchronous jobs deliver straight into Storage when set.
type SaaS struct {
	Storage *Storage
	// IngestPolls and AsyncPolls are the status checks answered as still
	// running before a tile or job completes.
	IngestPolls int
	AsyncPolls  int
	UserData    []byte

	mu          sync.Mutex
	seq         int
	calls       []string
	fail        map[string]error
	failOnce    map[string][]error
	failIngest  map[string]string
	failJobs    map[int]string
	jobs        int
	collections map[string]bool
	instances   map[string]bool
	shares      map[string][]string
	tiles       map[string]sentinel.Tile
	polls       map[string]int
	requests    []sentinel.ProcessRequest
}

func NewSaaS(storage *Storage) *SaaS {
	return &SaaS{
		Storage:     storage,
		UserData:    []byte(`{"newDisturbed":{"240105":3,"240112":1},"monitoredPixels":100}`),
		fail:        map[string]error{},
		failOnce:    map[string][]error{},
		failIngest:  map[string]string{},
		failJobs:    map[int]string{},
		collections: map[string]bool{},
		instances:   map[string]bool{},
		shares:      map[string][]string{},
		tiles:       map[string]sentinel.Tile{},
		polls:       map[string]int{},
	}
}

func apiNotFound(method, p string) *sentinel.APIError {
	return &sentinel.APIError{Method: method, Path: p, Status: http.StatusNotFound, Body: "not found"}
}

// notFound is what the client returns for a lookup or deletion of a
// missing id.
func notFound(method, p string) error {
	return failure.Wrap(failure.ErrNotFound, p, apiNotFound(method, p))
}

// Fail makes op return err; a nil err clears it.
func (f *SaaS) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// FailOnce queues errs for the next calls of op; later calls succeed.
func (f *SaaS) FailOnce(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnce[op] = append(f.failOnce[op], errs...)
}

// FailIngest makes ingestion of featureID's tile end FAILED with cause.
func (f *SaaS) FailIngest(featureID, cause string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failIngest[featureID] = cause
}

// FailJob makes the n-th submitted asynchronous job (1-based) leave an
// error marker instead of outputs.
func (f *SaaS) FailJob(n int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failJobs[n] = message
}

func (f *SaaS) enter(op string) error {
	f.calls = append(f.calls, op)
	if queued := f.failOnce[op]; len(queued) > 0 {
		f.failOnce[op] = queued[1:]
		return queued[0]
	}
	return f.fail[op]
}

func (f *SaaS) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *SaaS) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *SaaS) CallCount(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Requests returns the processing requests seen, sync and async.
func (f *SaaS) Requests() []sentinel.ProcessRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentinel.ProcessRequest(nil), f.requests...)
}

func liveIDs(m map[string]bool) []string {
	var out []string
	for id, ok := range m {
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (f *SaaS) Collections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return liveIDs(f.collections)
}

func (f *SaaS) Instances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return liveIDs(f.instances)
}

func (f *SaaS) CreateCollection(ctx context.Context, name, bucket string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCollection"); err != nil {
		return "", err
	}
	id := f.next("coll")
	f.collections[id] = true
	return id, nil
}

func (f *SaaS) DeleteCollection(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteCollection"); err != nil {
		return err
	}
	if !f.collections[id] {
		return notFound(http.MethodDelete, "/api/v1/byoc/collections/"+id)
	}
	delete(f.collections, id)
	return nil
}

func (f *SaaS) ShareCollection(ctx context.Context, collectionID, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ShareCollection"); err != nil {
		return err
	}
	if !f.collections[collectionID] {
		return notFound(http.MethodPost, "/api/v1/acl/collection/"+collectionID)
	}
	for _, a := range f.shares[collectionID] {
		if a == accountID {
			return nil
		}
	}
	f.shares[collectionID] = append(f.shares[collectionID], accountID)
	return nil
}

// SharedWith lists the accounts granted access to a collection.
func (f *SaaS) SharedWith(collectionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shares[collectionID]...)
}

func (f *SaaS) CreateTile(ctx context.Context, collectionID string, t sentinel.Tile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTile"); err != nil {
		return "", err
	}
	if !f.collections[collectionID] {
		return "", apiNotFound(http.MethodPost, "/api/v1/byoc/collections/"+collectionID+"/tiles")
	}
	id := f.next("tile")
	f.tiles[id] = t
	return id, nil
}

func (f *SaaS) Tile(ctx context.Context, collectionID, tileID string) (sentinel.TileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Tile"); err != nil {
		return sentinel.TileStatus{}, err
	}
	t, ok := f.tiles[tileID]
	if !ok {
		return sentinel.TileStatus{}, notFound(http.MethodGet, tileID)
	}
	parts := strings.Split(t.Path, "/")
	if len(parts) >= 2 {
		if cause, ok := f.failIngest[parts[len(parts)-2]]; ok {
			return sentinel.TileStatus{Status: "FAILED", Cause: cause}, nil
		}
	}
	f.polls[tileID]++
	if f.polls[tileID] <= f.IngestPolls {
		return sentinel.TileStatus{Status: "WAITING"}, nil
	}
	return sentinel.TileStatus{Status: "INGESTED"}, nil
}

func (f *SaaS) CreateInstance(ctx context.Context, in sentinel.Instance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateInstance"); err != nil {
		return "", err
	}
	id := f.next("inst")
	f.instances[id] = true
	return id, nil
}

func (f *SaaS) AddCollectionLayer(ctx context.Context, instanceID, title, evalscript, collectionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddCollectionLayer"); err != nil {
		return "", err
	}
	if !f.instances[instanceID] {
		return "", apiNotFound(http.MethodPost, instanceID)
	}
	return strings.ToUpper(title), nil
}

func (f *SaaS) DeleteInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteInstance"); err != nil {
		return err
	}
	if !f.instances[id] {
		return notFound(http.MethodDelete, id)
	}
	delete(f.instances, id)
	return nil
}

func (f *SaaS) outputs(req sentinel.ProcessRequest) map[string][]byte {
	files := map[string][]byte{}
	for _, r := range req.Output.Responses {
		if r.Format.Type == "application/json" {
			files[r.Identifier+".json"] = f.UserData
			continue
		}
		files[r.Identifier+".tif"] = []byte("TIFF " + r.Identifier)
	}
	return files
}

func (f *SaaS) Process(ctx context.Context, req sentinel.ProcessRequest) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Process"); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	return f.outputs(req), nil
}

func (f *SaaS) SubmitAsync(ctx context.Context, req sentinel.ProcessRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SubmitAsync"); err != nil {
		return "", err
	}
	f.requests = append(f.requests, req)
	f.jobs++
	id := f.next("job")
	f.polls[id] = 0
	if f.Storage == nil || req.Output.Delivery == nil {
		return id, nil
	}
	bucket, folder, _ := strings.Cut(strings.TrimPrefix(req.Output.Delivery.S3.URL, "s3://"), "/")
	objects := map[string][]byte{}
	if msg, ok := f.failJobs[f.jobs]; ok {
		objects[path.Join(folder, id, "error.json")] = []byte(fmt.Sprintf(`{"message":%q}`, msg))
	} else {
		for name, data := range f.outputs(req) {
			objects[path.Join(folder, id, name)] = data
		}
	}
	f.Storage.Seed(bucket, objects)
	return id, nil
}

func (f *SaaS) AsyncRunning(ctx context.Context, job string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AsyncRunning"); err != nil {
		return false, err
	}
	f.polls[job]++
	return f.polls[job] <= f.AsyncPolls, nil
}
