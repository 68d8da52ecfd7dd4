package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// newTestDB runs the store on the cgo driver so the schema is exercised by
// both sqlite implementations.
func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db, err := New(conn)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func productJSON(t *testing.T, name string, price int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(&models.Product{Name: name, PriceCents: price})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func create(t *testing.T, db *ServerDB, mutationID, device string, localID int64, data json.RawMessage) *Record {
	t.Helper()
	res, err := db.Submit(context.Background(), models.TypeProduct, &Mutation{
		MutationID: mutationID,
		DeviceID:   device,
		Op:         models.OpCreate,
		LocalID:    localID,
		Data:       data,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", mutationID, err)
	}
	return res.Record
}

func TestOpenFileDatabase(t *testing.T) {
	db, err := Open(t.TempDir() + "/server/caisse-sync.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSubmitCreateAssignsServerID(t *testing.T) {
	db := newTestDB(t)
	rec := create(t, db, "m1", "dev-a", 7, productJSON(t, "Cola", 200))

	if rec.ServerID <= 0 || rec.LocalID != 7 || rec.DeviceID != "dev-a" || !rec.IsActive {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Seq != 1 {
		t.Fatalf("seq: got %d, want 1", rec.Seq)
	}
	var p models.Product
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.LocalID != 0 || p.ServerID != nil {
		t.Errorf("replica identity leaked into canonical data: %s", rec.Data)
	}
}

func TestSubmitReplayIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	first := create(t, db, "m1", "dev-a", 1, productJSON(t, "Cola", 200))

	res, err := db.Submit(context.Background(), models.TypeProduct, &Mutation{
		MutationID: "m1", DeviceID: "dev-a", Op: models.OpCreate, LocalID: 1,
		Data: productJSON(t, "Cola", 200),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate || res.Record.ServerID != first.ServerID || res.Record.Seq != first.Seq {
		t.Fatalf("replay: got %+v", res)
	}

	recs, _, err := db.Fetch(context.Background(), models.TypeProduct, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("replay created a duplicate: %d records", len(recs))
	}
}

func TestResubmittedCreateFindsOrigin(t *testing.T) {
	db := newTestDB(t)
	first := create(t, db, "m1", "dev-a", 3, productJSON(t, "Cola", 200))
	// Same local record, new mutation id: the ack for m1 was lost and the
	// terminal queued an update before learning the server id.
	second := create(t, db, "m2", "dev-a", 3, productJSON(t, "Cola", 250))

	if second.ServerID != first.ServerID {
		t.Fatalf("server id changed: %d -> %d", first.ServerID, second.ServerID)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq did not advance: %d -> %d", first.Seq, second.Seq)
	}
	// Another device may reuse the same local number.
	other := create(t, db, "m3", "dev-b", 3, productJSON(t, "Eau", 100))
	if other.ServerID == first.ServerID {
		t.Fatal("records from different devices collided")
	}
}

func TestSubmitRejectsInvalidRecord(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Submit(context.Background(), models.TypeProduct, &Mutation{
		MutationID: "m1", DeviceID: "dev-a", Op: models.OpCreate, LocalID: 1,
		Data: productJSON(t, "", 200),
	})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}

	_, err = db.Submit(context.Background(), models.TypeProduct, &Mutation{
		DeviceID: "dev-a", Op: models.OpCreate, LocalID: 1, Data: productJSON(t, "Cola", 1),
	})
	if !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}

	_, err = db.Submit(context.Background(), "widgets", &Mutation{})
	if !errors.Is(err, models.ErrUnknownEntityType) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestDeleteUnknownRecord(t *testing.T) {
	db := newTestDB(t)
	missing := int64(99)
	_, err := db.Submit(context.Background(), models.TypeProduct, &Mutation{
		MutationID: "m1", DeviceID: "dev-a", Op: models.OpDelete, ServerID: &missing,
	})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeleteWinsOverLaterUpdate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rec := create(t, db, "m1", "dev-a", 1, productJSON(t, "Cola", 200))
	sid := rec.ServerID

	del, err := db.Submit(ctx, models.TypeProduct, &Mutation{
		MutationID: "m2", DeviceID: "dev-b", Op: models.OpDelete, ServerID: &sid,
	})
	if err != nil {
		t.Fatal(err)
	}
	if del.Record.IsActive {
		t.Fatal("delete left record active")
	}

	upd, err := db.Submit(ctx, models.TypeProduct, &Mutation{
		MutationID: "m3", DeviceID: "dev-a", Op: models.OpUpdate, LocalID: 1, ServerID: &sid,
		Data: productJSON(t, "Cola", 300),
	})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Record.IsActive || upd.Record.Seq != del.Record.Seq {
		t.Fatalf("late update changed a removed record: %+v", upd.Record)
	}
}

func TestFetchPagesInSeqOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for i, name := range []string{"A", "B", "C", "D", "E"} {
		create(t, db, "m"+name, "dev-a", int64(i+1), productJSON(t, name, 100))
	}

	var (
		since int64
		names []string
		pages int
	)
	for {
		recs, more, err := db.Fetch(ctx, models.TypeProduct, since, 2)
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, r := range recs {
			if r.Seq <= since {
				t.Fatalf("seq %d not after cursor %d", r.Seq, since)
			}
			since = r.Seq
			var p models.Product
			json.Unmarshal(r.Data, &p)
			names = append(names, p.Name)
		}
		if !more {
			break
		}
	}
	if got := strings.Join(names, ""); got != "ABCDE" {
		t.Fatalf("order: got %s", got)
	}
	if pages != 3 {
		t.Fatalf("pages: got %d, want 3", pages)
	}

	recs, _, err := db.Fetch(ctx, models.TypeCategory, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("fetch leaked other collections: %d", len(recs))
	}
}

func TestCountsAndDevices(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	db.SetClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) })
	rec := create(t, db, "m1", "dev-a", 1, productJSON(t, "Cola", 200))
	create(t, db, "m2", "dev-a", 2, productJSON(t, "Eau", 100))
	sid := rec.ServerID
	if _, err := db.Submit(ctx, models.TypeProduct, &Mutation{
		MutationID: "m3", DeviceID: "dev-b", Op: models.OpDelete, ServerID: &sid,
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := db.CountEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range counts {
		if c.EntityType == models.TypeProduct && (c.Active != 1 || c.Inactive != 1) {
			t.Fatalf("product counts: %+v", c)
		}
	}

	devices, err := db.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices: got %d", len(devices))
	}
	seen := map[string]int64{}
	for _, d := range devices {
		seen[d.ID] = d.Mutations
	}
	if seen["dev-a"] != 2 || seen["dev-b"] != 1 {
		t.Fatalf("mutation tallies: %v", seen)
	}
}

// --- API key tests ---

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	plaintext, ak, err := db.GenerateAPIKey(ctx, "caisse-bar", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, "cs_live_") {
		t.Errorf("key prefix: %s", plaintext)
	}
	if !strings.HasPrefix(ak.ID, "ak_") {
		t.Errorf("id prefix: %s", ak.ID)
	}

	got, err := db.VerifyAPIKey(ctx, plaintext)
	if err != nil || got == nil || got.ID != ak.ID {
		t.Fatalf("verify: %+v %v", got, err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not set")
	}

	bad, err := db.VerifyAPIKey(ctx, plaintext+"x")
	if err != nil || bad != nil {
		t.Fatalf("wrong key verified: %+v %v", bad, err)
	}

	keys, err := db.ListAPIKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %v", keys, err)
	}

	if err := db.RevokeAPIKey(ctx, ak.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.RevokeAPIKey(ctx, ak.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("second revoke: %v", err)
	}
	if got, _ := db.VerifyAPIKey(ctx, plaintext); got != nil {
		t.Fatal("revoked key still verifies")
	}
}

func TestExpiredAPIKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	past := time.Now().Add(-time.Hour)
	plaintext, _, err := db.GenerateAPIKey(ctx, "old", &past)
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.VerifyAPIKey(ctx, plaintext)
	if err != nil || got != nil {
		t.Fatalf("expired key verified: %+v %v", got, err)
	}
}

func TestGenerateAPIKeyRequiresName(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.GenerateAPIKey(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRandomSecretAlphabet(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := randomSecret(keyLength)
		if err != nil {
			t.Fatal(err)
		}
		if len(s) != keyLength {
			t.Fatalf("length %d", len(s))
		}
		if strings.Trim(s, base62Chars) != "" {
			t.Fatalf("non base62 characters in %q", s)
		}
		if seen[s] {
			t.Fatalf("repeated secret %q", s)
		}
		seen[s] = true
	}
}
