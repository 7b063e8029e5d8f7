package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func fptr(v float64) *float64 { return &v }

func seedNodes(t *testing.T, db *DB, tenant string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := db.UpsertNode(tenant, UpsertInput{
			NodeID: id, Kind: "fact", Payload: json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func TestRelateCreatesEdge(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "a", "b")

	res, err := db.Relate("acme", "a", "b", "cites", nil, nil)
	if err != nil {
		t.Fatalf("Relate: %v", err)
	}
	if !res.Created {
		t.Error("expected created=true")
	}
	if res.EdgeID == "" {
		t.Error("edge id not assigned")
	}

	nb, err := db.Neighbors("acme", "a")
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(nb.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(nb.Edges))
	}
	if nb.Edges[0].Weight != 1.0 {
		t.Errorf("default weight = %f, want 1.0", nb.Edges[0].Weight)
	}
}

func TestRelateUpdatesExistingTriple(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "a", "b")

	first, err := db.Relate("acme", "a", "b", "cites", fptr(1.0), nil)
	if err != nil {
		t.Fatalf("first relate: %v", err)
	}
	second, err := db.Relate("acme", "a", "b", "cites", fptr(0.5), json.RawMessage(`{"note":"revised"}`))
	if err != nil {
		t.Fatalf("second relate: %v", err)
	}
	if second.Created {
		t.Error("same triple should update in place")
	}
	if second.EdgeID != first.EdgeID {
		t.Errorf("edge id changed: %s -> %s", first.EdgeID, second.EdgeID)
	}

	nb, _ := db.Neighbors("acme", "a")
	if len(nb.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(nb.Edges))
	}
	if nb.Edges[0].Weight != 0.5 {
		t.Errorf("weight = %f, want 0.5", nb.Edges[0].Weight)
	}
}

func TestRelateExplicitZeroWeight(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "a", "b")

	// Zero is a real weight, not an unset one.
	if _, err := db.Relate("acme", "a", "b", "cites", fptr(0), nil); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	nb, err := db.Neighbors("acme", "a")
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(nb.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(nb.Edges))
	}
	if nb.Edges[0].Weight != 0 {
		t.Errorf("weight = %f, want 0", nb.Edges[0].Weight)
	}
}

func TestRelateDanglingEndpoint(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "a")

	_, err := db.Relate("acme", "a", "ghost", "cites", nil, nil)
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("err = %v, want ErrDanglingReference", err)
	}
	var dr *DanglingReferenceError
	if !errors.As(err, &dr) {
		t.Fatalf("err is not *DanglingReferenceError: %T", err)
	}
	if dr.End != "dst" || dr.ID != "ghost" {
		t.Errorf("DanglingReferenceError = %+v", dr)
	}

	// A failed relate leaves no event behind.
	events, _ := db.EventsForTenant("acme")
	for _, ev := range events {
		if ev.Kind == EventRelate {
			t.Error("RELATE event recorded for failed mutation")
		}
	}
}

func TestRelateCrossTenantEndpoint(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "a")
	seedNodes(t, db, "globex", "b")

	// globex's node is invisible from acme, so the reference dangles.
	_, err := db.Relate("acme", "a", "b", "cites", nil, nil)
	if !errors.Is(err, ErrDanglingReference) {
		t.Errorf("err = %v, want ErrDanglingReference", err)
	}
}

func TestNeighbors(t *testing.T) {
	db := testDB(t)
	seedNodes(t, db, "acme", "hub", "n1", "n2", "n3")

	if _, err := db.Relate("acme", "hub", "n1", "cites", nil, nil); err != nil {
		t.Fatalf("relate: %v", err)
	}
	if _, err := db.Relate("acme", "n2", "hub", "supports", nil, nil); err != nil {
		t.Fatalf("relate: %v", err)
	}
	if _, err := db.Relate("acme", "n1", "n3", "cites", nil, nil); err != nil {
		t.Fatalf("relate: %v", err)
	}

	nb, err := db.Neighbors("acme", "hub")
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(nb.Edges) != 2 {
		t.Errorf("edges = %d, want 2", len(nb.Edges))
	}
	if len(nb.Nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(nb.Nodes))
	}
	got := map[string]bool{}
	for _, n := range nb.Nodes {
		got[n.ID] = true
	}
	if !got["n1"] || !got["n2"] {
		t.Errorf("neighbor set = %v, want n1 and n2", got)
	}
}

func TestNeighborsMissingAnchor(t *testing.T) {
	db := testDB(t)

	_, err := db.Neighbors("acme", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
