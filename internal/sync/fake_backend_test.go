package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/syncclient"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for caisse-sync.
type fakeBackend struct {
	mu         stdsync.Mutex
	nextID     int64
	seq        int64
	records    map[models.EntityType]map[int64]*syncclient.RecordResponse
	byMutation map[string]syncclient.RecordResponse
	submits    []syncclient.SubmitRequest
	fetches    int
	submitErr  map[models.EntityType]error
	fetchErr   map[models.EntityType]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records:    map[models.EntityType]map[int64]*syncclient.RecordResponse{},
		byMutation: map[string]syncclient.RecordResponse{},
		submitErr:  map[models.EntityType]error{},
		fetchErr:   map[models.EntityType]error{},
	}
}

func (f *fakeBackend) Submit(_ context.Context, kind models.EntityType, req *syncclient.SubmitRequest) (*syncclient.RecordResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, *req)
	if err := f.submitErr[kind]; err != nil {
		return nil, err
	}
	if ack, ok := f.byMutation[req.MutationID]; ok {
		return &ack, nil
	}

	rec := f.find(kind, req)
	if rec == nil {
		f.nextID++
		rec = &syncclient.RecordResponse{ServerID: f.nextID, LocalID: req.LocalID, DeviceID: req.DeviceID}
		if f.records[kind] == nil {
			f.records[kind] = map[int64]*syncclient.RecordResponse{}
		}
		f.records[kind][rec.ServerID] = rec
	}
	f.seq++
	rec.Seq = f.seq
	rec.IsActive = req.Op != models.OpDelete
	rec.UpdatedAt = time.Now().UTC()
	rec.Record = append(json.RawMessage(nil), req.Record...)

	ack := *rec
	f.byMutation[req.MutationID] = ack
	return &ack, nil
}

func (f *fakeBackend) find(kind models.EntityType, req *syncclient.SubmitRequest) *syncclient.RecordResponse {
	if req.ServerID != nil {
		if rec, ok := f.records[kind][*req.ServerID]; ok {
			return rec
		}
	}
	for _, rec := range f.records[kind] {
		if rec.DeviceID == req.DeviceID && rec.LocalID == req.LocalID {
			return rec
		}
	}
	return nil
}

func (f *fakeBackend) Fetch(_ context.Context, kind models.EntityType, since int64, limit int) (*syncclient.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if err := f.fetchErr[kind]; err != nil {
		return nil, err
	}
	var recs []syncclient.RecordResponse
	for _, rec := range f.records[kind] {
		if rec.Seq > since {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	resp := &syncclient.FetchResponse{Cursor: since}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
		resp.HasMore = true
	}
	resp.Records = recs
	if len(recs) > 0 {
		resp.Cursor = recs[len(recs)-1].Seq
	}
	return resp, nil
}

// put stores a record as if another device had pushed it.
func (f *fakeBackend) put(t *testing.T, kind models.EntityType, serverID int64, active bool, e models.Entity) {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[kind] == nil {
		f.records[kind] = map[int64]*syncclient.RecordResponse{}
	}
	f.seq++
	f.records[kind][serverID] = &syncclient.RecordResponse{
		ServerID:  serverID,
		LocalID:   e.Base().LocalID,
		DeviceID:  "other-device",
		IsActive:  active,
		UpdatedAt: time.Now().UTC(),
		Seq:       f.seq,
		Record:    raw,
	}
	if serverID > f.nextID {
		f.nextID = serverID
	}
}

func (f *fakeBackend) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// stored returns the record the backend holds for serverID.
func (f *fakeBackend) stored(kind models.EntityType, serverID int64) *syncclient.RecordResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[kind][serverID]
}

type fakeProber struct {
	online atomic.Bool
	probes atomic.Int64
}

func (p *fakeProber) HealthCheck(context.Context) (*syncclient.HealthResponse, error) {
	p.probes.Add(1)
	if !p.online.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &syncclient.HealthResponse{Status: "ok"}, nil
}

var errServerDown = &syncclient.APIError{Status: http.StatusServiceUnavailable, Code: "unavailable"}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Initialize(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *db.DB, backend Backend, monitor *Monitor) *Engine {
	t.Helper()
	return NewEngine(store, backend, monitor, NewResolver(store), Options{RequestTimeout: 2 * time.Second, PageSize: 2})
}

func countServerID(t *testing.T, store *db.DB, kind models.EntityType, serverID int64) int {
	t.Helper()
	all, err := store.List(context.Background(), kind)
	require.NoError(t, err)
	n := 0
	for _, e := range all {
		if sid := e.Base().ServerID; sid != nil && *sid == serverID {
			n++
		}
	}
	return n
}
