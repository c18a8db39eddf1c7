package archive_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"goji.io"

	"github.com/lnls-sol/goscan/archive"
)

func serveStore(t *testing.T, s *archive.Store) *httptest.Server {
	t.Helper()
	mux := goji.NewMux()
	archive.NewHTTPStore(s).RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func seedScan(t *testing.T, s *archive.Store, command string) int64 {
	t.Helper()
	rec := archive.Record{
		Command: command,
		User:    "operator",
		State:   "idle",
		Started: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		Ended:   time.Date(2024, 5, 2, 9, 1, 0, 0, time.UTC),
		Columns: []string{"points", "m1", "det"},
	}
	rows := [][]float64{{0, 0, 10}, {1, 0.5, 1010}}
	id, err := s.Save(context.Background(), rec, rows)
	if err != nil {
		t.Fatalf("seeding archive: %v", err)
	}
	return id
}

func decodeInto(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPListAndLoad(t *testing.T) {
	s, _ := testStore(t)
	first := seedScan(t, s, "scan m1 0 1 5 0.1")
	second := seedScan(t, s, "timescan 3 0.1 0")
	srv := serveStore(t, s)

	resp, err := http.Get(srv.URL + "/records")
	if err != nil {
		t.Fatal(err)
	}
	var list []archive.RecordPayload
	decodeInto(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("listed %d records, want 2", len(list))
	}
	// newest first
	if list[0].ID != second || list[1].ID != first {
		t.Errorf("list order [%d, %d], want [%d, %d]", list[0].ID, list[1].ID, second, first)
	}
	if list[0].Command != "timescan 3 0.1 0" || list[0].Points != 2 {
		t.Errorf("header %+v is wrong", list[0])
	}

	resp, err = http.Get(srv.URL + "/records?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	decodeInto(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("limited list has %d records, want 1", len(list))
	}

	resp, err = http.Get(fmt.Sprintf("%s/records/%d", srv.URL, first))
	if err != nil {
		t.Fatal(err)
	}
	var got archive.ScanPayload
	decodeInto(t, resp, &got)
	if got.Command != "scan m1 0 1 5 0.1" {
		t.Errorf("command %q", got.Command)
	}
	if len(got.Rows) != 2 || got.Rows[1][2] != 1010 {
		t.Errorf("rows %v did not round-trip", got.Rows)
	}
	if len(got.Columns) != 3 || got.Columns[1] != "m1" {
		t.Errorf("columns %v did not round-trip", got.Columns)
	}
}

func TestHTTPLoadRejectsBadIDs(t *testing.T) {
	s, _ := testStore(t)
	srv := serveStore(t, s)

	resp, err := http.Get(srv.URL + "/records/999")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing scan: status %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/records/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric id: status %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/records?limit=ten")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric limit: status %d, want 400", resp.StatusCode)
	}
}

func TestHTTPDelete(t *testing.T) {
	s, _ := testStore(t)
	id := seedScan(t, s, "mesh m1 0 1 3 m2 0 1 3 0.1")
	srv := serveStore(t, s)

	url := fmt.Sprintf("%s/records/%d", srv.URL, id)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d, want 200", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", resp.StatusCode)
	}

	var list []archive.RecordPayload
	resp, err = http.Get(srv.URL + "/records")
	if err != nil {
		t.Fatal(err)
	}
	decodeInto(t, resp, &list)
	if len(list) != 0 {
		t.Errorf("%d records remain after delete, want 0", len(list))
	}
}
