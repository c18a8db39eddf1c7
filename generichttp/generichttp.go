/*
Package generichttp holds the building blocks shared by the HTTP
interfaces to instruments and to the sweep engine: single-value JSON
payloads, route tables keyed by goji patterns, and handler factories
that lift getter/setter functions into endpoints.
*/
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"goji.io"
)

// FloatT is a single float64, JSON field f64.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a single int, JSON field int.
type IntT struct {
	Int int `json:"int"`
}

// StrT is a single string, JSON field str.
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a single bool, JSON field bool.
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload carries one value of a basic type to be encoded as the
// matching single-field JSON object.
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload to w as JSON.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	switch hp.T {
	case types.Bool:
		body = BoolT{Bool: hp.Bool}
	case types.Int:
		body = IntT{Int: hp.Int}
	case types.Float64:
		body = FloatT{F64: hp.Float}
	case types.String:
		body = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("payload kind %d cannot be encoded", hp.T), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// RouteTable maps goji patterns to handlers.
type RouteTable map[goji.Pattern]http.HandlerFunc

// Endpoints lists the patterns in the table, sorted.
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for k := range rt {
		out = append(out, fmt.Sprint(k))
	}
	sort.Strings(out)
	return out
}

// Bind attaches every route in the table to mux.
func (rt RouteTable) Bind(mux *goji.Mux) {
	for ptrn, handler := range rt {
		mux.Handle(ptrn, handler)
	}
}

// HTTPer is anything that exposes a route table.
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize roots a URL stem and suffixes it with /* so it can
// anchor a goji submux.
func SubMuxSanitize(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	switch {
	case strings.HasSuffix(stem, "/*"):
	case strings.HasSuffix(stem, "/"):
		stem += "*"
	default:
		stem += "/*"
	}
	return stem
}

// GetFloat lifts a float getter into a handler responding {"f64": v}.
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat lifts a float setter into a handler consuming {"f64": v}.
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(f.F64); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt lifts an int getter into a handler responding {"int": v}.
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt lifts an int setter into a handler consuming {"int": v}.
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		err := json.NewDecoder(r.Body).Decode(&i)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(i.Int); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString lifts a string getter into a handler responding {"str": v}.
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString lifts a string setter into a handler consuming {"str": v}.
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(s.Str); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool lifts a bool getter into a handler responding {"bool": v}.
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool lifts a bool setter into a handler consuming {"bool": v}.
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(b.Bool); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
