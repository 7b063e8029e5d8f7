package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestUpsertNodeCreate(t *testing.T) {
	db := testDB(t)

	res, err := db.UpsertNode("acme", UpsertInput{
		NodeID:  "n1",
		Kind:    "fact",
		Payload: json.RawMessage(`{"title":"first"}`),
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if !res.Created {
		t.Error("expected created=true for new node")
	}
	if res.NodeID != "n1" {
		t.Errorf("node id = %s, want n1", res.NodeID)
	}

	n, err := db.GetNode("acme", "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Kind != "fact" {
		t.Errorf("kind = %s, want fact", n.Kind)
	}
	if n.Score != 1.0 {
		t.Errorf("initial score = %f, want 1.0", n.Score)
	}
	if n.ContentHash == "" {
		t.Error("content hash not set")
	}
}

func TestUpsertNodeUpdate(t *testing.T) {
	db := testDB(t)

	first, err := db.UpsertNode("acme", UpsertInput{
		NodeID:  "n1",
		Kind:    "fact",
		Payload: json.RawMessage(`{"title":"first"}`),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	before, _ := db.GetNode("acme", "n1")

	second, err := db.UpsertNode("acme", UpsertInput{
		NodeID:  "n1",
		Kind:    "fact",
		Payload: json.RawMessage(`{"title":"second"}`),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Created {
		t.Error("expected created=false for existing id")
	}
	if second.NodeID != first.NodeID {
		t.Errorf("node id changed: %s -> %s", first.NodeID, second.NodeID)
	}

	after, _ := db.GetNode("acme", "n1")
	if after.UpdatedAt <= before.UpdatedAt {
		t.Errorf("updated_at did not advance: %d -> %d", before.UpdatedAt, after.UpdatedAt)
	}

	var payload struct {
		Title string `json:"title"`
	}
	json.Unmarshal(after.Payload, &payload)
	if payload.Title != "second" {
		t.Errorf("payload title = %s, want second", payload.Title)
	}
}

func TestUpsertGeneratesID(t *testing.T) {
	db := testDB(t)

	res, err := db.UpsertNode("acme", UpsertInput{
		Kind:    "fact",
		Payload: json.RawMessage(`{"title":"anon"}`),
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if res.NodeID == "" {
		t.Fatal("expected generated node id")
	}
	if !res.Created {
		t.Error("expected created=true")
	}
}

func TestUpsertSupersedes(t *testing.T) {
	db := testDB(t)

	prov := json.RawMessage(`{"source":"crawler","hash":"doc-7"}`)

	first, err := db.UpsertNode("acme", UpsertInput{
		Kind:       "doc",
		Payload:    json.RawMessage(`{"rev":1}`),
		Provenance: prov,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !first.Created || first.Superseded != nil {
		t.Fatalf("first upsert: created=%v superseded=%v", first.Created, first.Superseded)
	}

	second, err := db.UpsertNode("acme", UpsertInput{
		Kind:       "doc",
		Payload:    json.RawMessage(`{"rev":2}`),
		Provenance: prov,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !second.Created {
		t.Error("successor should be a new row")
	}
	if second.Superseded == nil {
		t.Fatal("expected supersede ref")
	}
	if second.Superseded.OldID != first.NodeID {
		t.Errorf("old id = %s, want %s", second.Superseded.OldID, first.NodeID)
	}
	if second.Superseded.NewID != second.NodeID {
		t.Errorf("new id = %s, want %s", second.Superseded.NewID, second.NodeID)
	}

	old, err := db.GetNode("acme", first.NodeID)
	if err != nil {
		t.Fatalf("GetNode old: %v", err)
	}
	if old.SupersededBy != second.NodeID {
		t.Errorf("superseded_by = %q, want %s", old.SupersededBy, second.NodeID)
	}

	// The superseded row stays readable but drops out of candidate sets.
	candidates, err := db.FindCandidates("acme", "doc", nil)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != second.NodeID {
		t.Errorf("candidates = %d rows, want only the successor", len(candidates))
	}
}

func TestUpsertSameContentIsIdempotent(t *testing.T) {
	db := testDB(t)

	prov := json.RawMessage(`{"hash":"doc-9"}`)
	payload := json.RawMessage(`{"rev":1}`)

	first, err := db.UpsertNode("acme", UpsertInput{Kind: "doc", Payload: payload, Provenance: prov})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := db.UpsertNode("acme", UpsertInput{Kind: "doc", Payload: payload, Provenance: prov})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Created {
		t.Error("identical content should refresh, not insert")
	}
	if second.NodeID != first.NodeID {
		t.Errorf("node id changed on idempotent re-apply: %s -> %s", first.NodeID, second.NodeID)
	}
	if second.Superseded != nil {
		t.Error("identical content must not supersede")
	}
}

func TestUpdatedAtStrictlyMonotonic(t *testing.T) {
	db := testDB(t)

	var prev int64
	for i := 0; i < 10; i++ {
		_, err := db.UpsertNode("acme", UpsertInput{
			NodeID:  "n1",
			Kind:    "fact",
			Payload: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		n, _ := db.GetNode("acme", "n1")
		if n.UpdatedAt <= prev {
			t.Fatalf("updated_at not strictly increasing at write %d: %d <= %d", i, n.UpdatedAt, prev)
		}
		prev = n.UpdatedAt
	}
}

func TestConcurrentUpsertsSameID(t *testing.T) {
	db := testDB(t)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.UpsertNode("acme", UpsertInput{
				NodeID:  "hot",
				Kind:    "fact",
				Payload: json.RawMessage(fmt.Sprintf(`{"writer":%d}`, i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
		committed++
	}

	// One event per committed mutation, no more, no fewer.
	events, err := db.EventsForTenant("acme")
	if err != nil {
		t.Fatalf("EventsForTenant: %v", err)
	}
	if len(events) != committed {
		t.Errorf("events = %d, want %d", len(events), committed)
	}
	for _, ev := range events {
		if ev.Kind != EventUpsert {
			t.Errorf("unexpected event kind %s", ev.Kind)
		}
	}

	// updated_at advanced strictly on every one of the racing writes.
	n, err := db.GetNode("acme", "hot")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.UpdatedAt < n.CreatedAt+int64(writers-1) {
		t.Errorf("updated_at = %d, want >= created_at+%d (%d)", n.UpdatedAt, writers-1, n.CreatedAt+int64(writers-1))
	}

	// A consumer crash between drain and ack redelivers the full batch.
	first, err := db.Drain(writers * 2)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	second, err := db.Drain(writers * 2)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(first) != committed || len(second) != committed {
		t.Errorf("drains = %d/%d events, want %d twice", len(first), len(second), committed)
	}
}

func TestConcurrentLineageWritersSingleHead(t *testing.T) {
	db := testDB(t)

	prov := json.RawMessage(`{"hash":"doc-contested"}`)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.UpsertNode("acme", UpsertInput{
				Kind:       "doc",
				Payload:    json.RawMessage(fmt.Sprintf(`{"writer":%d}`, i)),
				Provenance: prov,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}

	// Distinct content per writer: one creation, then a supersede chain.
	// Exactly one lineage head survives.
	heads, err := db.FindCandidates("acme", "doc", nil)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(heads) != 1 {
		t.Fatalf("live heads = %d, want 1", len(heads))
	}

	events, err := db.EventsForTenant("acme")
	if err != nil {
		t.Fatalf("EventsForTenant: %v", err)
	}
	if len(events) != writers {
		t.Errorf("events = %d, want %d", len(events), writers)
	}
	upserts, supersedes := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case EventUpsert:
			upserts++
		case EventSupersededBy:
			supersedes++
		default:
			t.Errorf("unexpected event kind %s", ev.Kind)
		}
	}
	if upserts != 1 || supersedes != writers-1 {
		t.Errorf("events = %d upserts, %d supersedes; want 1 and %d", upserts, supersedes, writers-1)
	}

	// Every superseded row points at a row that exists.
	rows, err := db.Query(`
		SELECT superseded_by FROM knowledge_nodes WHERE tenant_id = ? AND superseded_by IS NOT NULL
	`, "acme")
	if err != nil {
		t.Fatalf("query chain: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var next string
		if err := rows.Scan(&next); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if _, err := db.GetNode("acme", next); err != nil {
			t.Errorf("supersede chain points at missing node %s: %v", next, err)
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertNode("acme", UpsertInput{
		NodeID: "shared", Kind: "fact", Payload: json.RawMessage(`{"owner":"acme"}`),
	}); err != nil {
		t.Fatalf("acme upsert: %v", err)
	}
	if _, err := db.UpsertNode("globex", UpsertInput{
		NodeID: "shared", Kind: "fact", Payload: json.RawMessage(`{"owner":"globex"}`),
	}); err != nil {
		t.Fatalf("globex upsert: %v", err)
	}

	n, err := db.GetNode("globex", "shared")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	var payload struct {
		Owner string `json:"owner"`
	}
	json.Unmarshal(n.Payload, &payload)
	if payload.Owner != "globex" {
		t.Errorf("globex read acme's payload: owner = %s", payload.Owner)
	}

	if _, err := db.UpsertNode("acme", UpsertInput{
		NodeID: "acme-only", Kind: "fact", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, err = db.GetNode("globex", "acme-only")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant read = %v, want ErrNotFound", err)
	}
}

func TestEmptyTenantRejected(t *testing.T) {
	db := testDB(t)

	_, err := db.UpsertNode("", UpsertInput{Kind: "fact"})
	if !errors.Is(err, ErrTenantViolation) {
		t.Errorf("UpsertNode err = %v, want ErrTenantViolation", err)
	}
	_, err = db.GetNode("", "n1")
	if !errors.Is(err, ErrTenantViolation) {
		t.Errorf("GetNode err = %v, want ErrTenantViolation", err)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetNode("acme", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err is not *NotFoundError: %T", err)
	}
	if nf.ID != "missing" || nf.Tenant != "acme" {
		t.Errorf("NotFoundError = %+v", nf)
	}
}

func TestQueryByKindPagination(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := db.UpsertNode("acme", UpsertInput{
			NodeID: id, Kind: "fact", Payload: json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if _, err := db.UpsertNode("acme", UpsertInput{
		NodeID: "other", Kind: "note", Payload: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	page1, err := db.QueryByKind("acme", "fact", 2, "")
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page 1 len = %d, want 2", len(page1))
	}

	page2, err := db.QueryByKind("acme", "fact", 2, page1[len(page1)-1].ID)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 len = %d, want 2", len(page2))
	}

	seen := map[string]bool{}
	for _, n := range append(page1, page2...) {
		if n.Kind != "fact" {
			t.Errorf("unexpected kind %s in results", n.Kind)
		}
		if seen[n.ID] {
			t.Errorf("node %s appeared on both pages", n.ID)
		}
		seen[n.ID] = true
	}
}

func TestFindCandidatesPayloadFilter(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertNode("acme", UpsertInput{
		NodeID: "p1", Kind: "doc", Payload: json.RawMessage(`{"lang":"go","topic":"storage"}`),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := db.UpsertNode("acme", UpsertInput{
		NodeID: "p2", Kind: "doc", Payload: json.RawMessage(`{"lang":"rust","topic":"storage"}`),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.FindCandidates("acme", "doc", map[string]string{"lang": "go"})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("filter lang=go returned %d rows", len(got))
	}

	got, err = db.FindCandidates("acme", "doc", map[string]string{"topic": "storage"})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("filter topic=storage returned %d rows, want 2", len(got))
	}
}

func TestPurgeCascades(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b"} {
		if _, err := db.UpsertNode("acme", UpsertInput{
			NodeID: id, Kind: "fact", Payload: json.RawMessage(`{}`),
			Embedding: []float64{1, 0, 0}, Model: "test",
		}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if _, err := db.Relate("acme", "a", "b", "cites", nil, nil); err != nil {
		t.Fatalf("relate: %v", err)
	}

	res, err := db.Purge("acme", PurgeScope{NodeID: "a"})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if res.Nodes != 1 {
		t.Errorf("purged nodes = %d, want 1", res.Nodes)
	}
	if res.Edges != 1 {
		t.Errorf("purged edges = %d, want 1", res.Edges)
	}
	if res.Embeddings != 1 {
		t.Errorf("purged embeddings = %d, want 1", res.Embeddings)
	}

	if _, err := db.GetNode("acme", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged node still readable: %v", err)
	}
	// The untouched endpoint survives with no dangling edges.
	nb, err := db.Neighbors("acme", "b")
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(nb.Edges) != 0 {
		t.Errorf("dangling edges left behind: %d", len(nb.Edges))
	}
}

func TestPurgeByKind(t *testing.T) {
	db := testDB(t)

	for _, in := range []UpsertInput{
		{NodeID: "f1", Kind: "fact", Payload: json.RawMessage(`{}`)},
		{NodeID: "f2", Kind: "fact", Payload: json.RawMessage(`{}`)},
		{NodeID: "d1", Kind: "doc", Payload: json.RawMessage(`{}`)},
	} {
		if _, err := db.UpsertNode("acme", in); err != nil {
			t.Fatalf("upsert %s: %v", in.NodeID, err)
		}
	}

	res, err := db.Purge("acme", PurgeScope{Kind: "fact"})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if res.Nodes != 2 {
		t.Errorf("purged nodes = %d, want 2", res.Nodes)
	}
	if _, err := db.GetNode("acme", "d1"); err != nil {
		t.Errorf("unrelated kind purged: %v", err)
	}
}
