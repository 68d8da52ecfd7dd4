package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/serverdb"
	"github.com/Kadem9/caissefacile/internal/sync"
	"github.com/Kadem9/caissefacile/internal/syncclient"
	_ "github.com/mattn/go-sqlite3"
)

type harness struct {
	srv   *Server
	store *serverdb.ServerDB
	http  *httptest.Server
	token string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	store, err := serverdb.New(conn)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	token, _, err := store.GenerateAPIKey(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	srv, err := NewServer(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, store: store, http: ts, token: token}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Device-ID", "caisse-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) APIError {
	t.Helper()
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return er.Error
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, "GET", "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("status: %v", body)
	}
}

func TestHealthzReportsVersion(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.Version = "1.4.0"
	srv, err := NewServer(cfg, h.store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := syncclient.New(ts.URL, "", "").HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Version != "1.4.0" {
		t.Fatalf("version: got %q", resp.Version)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	srv, err := NewServer(cfg, h.store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, func(a net.Addr) { addrs <- a }) }()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never opened")
	}
	if _, err := syncclient.New("http://"+addr.String(), "", "").HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEntitiesRequireAuth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "GET", "/v1/entities/products", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}
	resp = h.do(t, "GET", "/v1/entities/products", "cs_live_wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp).Code; code != ErrCodeUnauthorized {
		t.Fatalf("error code: %s", code)
	}
	resp = h.do(t, "GET", "/v1/entities/products", h.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownEntityType(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, "GET", "/v1/entities/widgets", h.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp).Code; code != ErrCodeUnknownType {
		t.Fatalf("error code: %s", code)
	}
}

func TestSubmitValidationAndReplay(t *testing.T) {
	h := newHarness(t)

	bad := SubmitRequest{MutationID: "m0", Op: models.OpCreate, LocalID: 1, Record: json.RawMessage(`{"name":""}`)}
	resp := h.do(t, "POST", "/v1/entities/categories", h.token, bad)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid record: expected 422, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp).Code; code != ErrCodeInvalidRecord {
		t.Fatalf("error code: %s", code)
	}

	good := SubmitRequest{MutationID: "m1", Op: models.OpCreate, LocalID: 1, Record: json.RawMessage(`{"name":"Boissons"}`)}
	var first, second RecordResponse
	resp = h.do(t, "POST", "/v1/entities/categories", h.token, good)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d", resp.StatusCode)
	}
	json.NewDecoder(resp.Body).Decode(&first)
	if first.DeviceID != "caisse-test" {
		t.Fatalf("device id not taken from header: %+v", first)
	}

	resp = h.do(t, "POST", "/v1/entities/categories", h.token, good)
	json.NewDecoder(resp.Body).Decode(&second)
	if second.ServerID != first.ServerID || second.Seq != first.Seq {
		t.Fatalf("replay changed state: %+v vs %+v", first, second)
	}

	snap := h.srv.metrics.Snapshot()
	if snap.MutationsApplied != 1 || snap.MutationsReplayed != 1 || snap.MutationsRejected != 1 {
		t.Fatalf("metrics: %+v", snap)
	}
}

func TestFetchCursor(t *testing.T) {
	h := newHarness(t)
	for i, name := range []string{"A", "B", "C"} {
		req := SubmitRequest{
			MutationID: "m" + name,
			Op:         models.OpCreate,
			LocalID:    int64(i + 1),
			Record:     json.RawMessage(`{"name":"` + name + `"}`),
		}
		if resp := h.do(t, "POST", "/v1/entities/categories", h.token, req); resp.StatusCode != http.StatusOK {
			t.Fatalf("submit %s: %d", name, resp.StatusCode)
		}
	}

	var page FetchResponse
	resp := h.do(t, "GET", "/v1/entities/categories?since=0&limit=2", h.token, nil)
	json.NewDecoder(resp.Body).Decode(&page)
	if len(page.Records) != 2 || !page.HasMore || page.Cursor != page.Records[1].Seq {
		t.Fatalf("first page: %+v", page)
	}

	var rest FetchResponse
	resp = h.do(t, "GET", "/v1/entities/categories?since="+itoa(page.Cursor)+"&limit=2", h.token, nil)
	json.NewDecoder(resp.Body).Decode(&rest)
	if len(rest.Records) != 1 || rest.HasMore {
		t.Fatalf("second page: %+v", rest)
	}

	var empty FetchResponse
	resp = h.do(t, "GET", "/v1/entities/categories?since="+itoa(rest.Cursor), h.token, nil)
	json.NewDecoder(resp.Body).Decode(&empty)
	if len(empty.Records) != 0 || empty.Cursor != rest.Cursor {
		t.Fatalf("caught-up page: %+v", empty)
	}

	resp = h.do(t, "GET", "/v1/entities/categories?since=-1", h.token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative since: expected 400, got %d", resp.StatusCode)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestClientSeesRejection(t *testing.T) {
	h := newHarness(t)
	client := syncclient.New(h.http.URL, h.token, "caisse-1")
	_, err := client.Submit(context.Background(), models.TypeProduct, &syncclient.SubmitRequest{
		MutationID: "m1",
		Op:         models.OpCreate,
		LocalID:    1,
		Record:     json.RawMessage(`{"name":"Cola","price_cents":-5}`),
	})
	if !syncclient.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var apiErr *syncclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != ErrCodeInvalidRecord {
		t.Fatalf("api error: %v", err)
	}
}

// Two terminals converge through the server.
func TestTwoTerminalsConverge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	terminal := func() (*db.DB, *sync.Engine) {
		store, err := db.Initialize(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
		client := syncclient.New(h.http.URL, h.token, store.DeviceID())
		return store, sync.NewEngine(store, client, nil, nil, sync.Options{PageSize: 1})
	}
	storeA, engA := terminal()
	storeB, engB := terminal()

	cat := &models.Category{Name: "Boissons"}
	if err := storeA.Create(ctx, cat); err != nil {
		t.Fatal(err)
	}
	prod := &models.Product{
		Name:       "Cola",
		PriceCents: 250,
		Category:   models.Ref{Type: models.TypeCategory, LocalID: cat.LocalID},
	}
	if err := storeA.Create(ctx, prod); err != nil {
		t.Fatal(err)
	}

	res, err := engA.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 2 || res.PullErr != nil || len(res.Failures) != 0 {
		t.Fatalf("terminal A sync: %+v", res)
	}

	// B has a record of its own that must survive.
	if err := storeB.Create(ctx, &models.Category{Name: "Snacks"}); err != nil {
		t.Fatal(err)
	}
	if _, err := engB.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}

	cats, err := db.ListOf[*models.Category](ctx, storeB, models.TypeCategory)
	if err != nil {
		t.Fatal(err)
	}
	if len(cats) != 2 {
		t.Fatalf("terminal B categories: got %d", len(cats))
	}
	var boissons *models.Category
	for _, c := range cats {
		if c.Name == "Boissons" {
			boissons = c
		}
	}
	if boissons == nil {
		t.Fatal("Boissons not pulled")
	}

	prods, err := db.ListOf[*models.Product](ctx, storeB, models.TypeProduct)
	if err != nil {
		t.Fatal(err)
	}
	if len(prods) != 1 {
		t.Fatalf("terminal B products: got %d", len(prods))
	}
	if prods[0].Category.LocalID != boissons.LocalID {
		t.Fatalf("product ref not localized: %+v (category %d)", prods[0].Category, boissons.LocalID)
	}

	// Removal on B reaches A.
	if err := storeB.Remove(ctx, models.TypeProduct, prods[0].LocalID); err != nil {
		t.Fatal(err)
	}
	if _, err := engB.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := engA.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := storeA.CountActive(ctx, models.TypeProduct)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("terminal A still has %d products", n)
	}
	catsA, err := storeA.CountActive(ctx, models.TypeCategory)
	if err != nil {
		t.Fatal(err)
	}
	if catsA != 2 {
		t.Fatalf("terminal A categories: got %d", catsA)
	}
}
