package archive

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"goji.io/pat"

	"github.com/lnls-sol/goscan/generichttp"
)

// RecordPayload is the JSON form of one archived scan header.
type RecordPayload struct {
	ID      int64     `json:"id"`
	Command string    `json:"command"`
	User    string    `json:"user"`
	State   string    `json:"state"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Columns []string  `json:"columns"`
	Points  int       `json:"points"`
}

// ScanPayload is a header plus the archived data rows.
type ScanPayload struct {
	RecordPayload
	Rows [][]float64 `json:"rows"`
}

func payload(rec Record) RecordPayload {
	cols := rec.Columns
	if cols == nil {
		cols = []string{}
	}
	return RecordPayload{
		ID:      rec.ID,
		Command: rec.Command,
		User:    rec.User,
		State:   rec.State,
		Started: rec.Started,
		Ended:   rec.Ended,
		Columns: cols,
		Points:  rec.Points,
	}
}

// HTTPStore exposes a Store over HTTP.
type HTTPStore struct {
	Store *Store

	RouteTable generichttp.RouteTable
}

// NewHTTPStore wraps s with routes to list, load and delete archived
// scans.
func NewHTTPStore(s *Store) HTTPStore {
	h := HTTPStore{Store: s}
	rt := generichttp.RouteTable{}
	rt[pat.Get("/records")] = h.List
	rt[pat.Get("/records/:id")] = h.Load
	rt[pat.Delete("/records/:id")] = h.Delete
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer.
func (h HTTPStore) RT() generichttp.RouteTable { return h.RouteTable }

// List responds with archived scan headers, newest first.  The limit
// query parameter caps the result; it defaults to 50, and zero means
// everything.
func (h HTTPStore) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.Store.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]RecordPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, payload(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Load responds with one archived scan, rows included.
func (h HTTPStore) Load(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pat.Param(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "scan ids are integers", http.StatusBadRequest)
		return
	}
	rec, rows, err := h.Store.Load(r.Context(), id)
	if errors.Is(err, ErrNoScan) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = [][]float64{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := ScanPayload{RecordPayload: payload(rec), Rows: rows}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Delete removes one archived scan.
func (h HTTPStore) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pat.Param(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "scan ids are integers", http.StatusBadRequest)
		return
	}
	err = h.Store.Delete(r.Context(), id)
	if errors.Is(err, ErrNoScan) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
