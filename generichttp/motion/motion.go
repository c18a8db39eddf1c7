/*
Package motion exposes the positionable devices of a beamline over
HTTP, for moving and inspecting individual axes outside a sweep.  The
daemon wraps these routes in the locker middleware so they bounce while
an acquisition holds the hardware.
*/
package motion

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strconv"

	"goji.io/pat"

	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/generichttp"
)

// Devices resolves motor mnemonics, in declaration order.
type Devices interface {
	Positioner(name string) (device.Positionable, bool)
	Motors() []string
}

// LimitsPayload is the JSON form of an axis's soft limits.  Min and Max
// both zero means no limits are configured.
type LimitsPayload struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// HTTPMotion exposes a device set over HTTP.
type HTTPMotion struct {
	devs Devices

	RouteTable generichttp.RouteTable
}

// NewHTTPMotion wraps devs with routes to list axes, read and command
// positions, and read limits.
func NewHTTPMotion(devs Devices) HTTPMotion {
	h := HTTPMotion{devs: devs}
	rt := generichttp.RouteTable{}
	rt[pat.Get("/axis")] = h.List
	rt[pat.Get("/axis/:axis/pos")] = h.GetPos
	rt[pat.Post("/axis/:axis/pos")] = h.SetPos
	rt[pat.Get("/axis/:axis/limits")] = h.Limits
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer.
func (h HTTPMotion) RT() generichttp.RouteTable { return h.RouteTable }

func (h HTTPMotion) axis(w http.ResponseWriter, r *http.Request) (device.Positionable, bool) {
	name := pat.Param(r, "axis")
	dev, ok := h.devs.Positioner(name)
	if !ok {
		http.Error(w, fmt.Sprintf("axis %s does not exist", name), http.StatusNotFound)
		return nil, false
	}
	return dev, true
}

// List responds with the axis mnemonics as a JSON array.
func (h HTTPMotion) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.devs.Motors()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetPos responds with the readback position of one axis.
func (h HTTPMotion) GetPos(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.axis(w, r)
	if !ok {
		return
	}
	pos, err := dev.GetValue()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
	hp.EncodeAndRespond(w, r)
}

// SetPos moves one axis and blocks until it settles.  The target is
// absolute, or an offset from the current position with ?relative=true.
// Targets outside the device's limits are rejected before commanding.
func (h HTTPMotion) SetPos(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.axis(w, r)
	if !ok {
		return
	}
	relative := false
	if q := r.URL.Query().Get("relative"); q != "" {
		b, err := strconv.ParseBool(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		relative = b
	}
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := f.F64
	if relative {
		pos, err := dev.GetValue()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		target += pos
	}
	if msg, ok := movable(dev, target); !ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if err := dev.SetValue(target); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := dev.Wait(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// movable applies the same acceptance rule sweeps use: a validator when
// the device has one, soft limits otherwise, both-zero meaning
// unconfigured.
func movable(dev device.Positionable, target float64) (string, bool) {
	if v, ok := dev.(device.MovementValidator); ok {
		if can, why := v.CanPerformMovement(target); !can {
			return why, false
		}
		return "", true
	}
	lo, hi := dev.LowLimitValue(), dev.HighLimitValue()
	if lo == 0 && hi == 0 {
		return "", true
	}
	if target < lo || target > hi {
		return fmt.Sprintf("target %v outside limits [%v, %v] of %s", target, lo, hi, dev.Mnemonic()), false
	}
	return "", true
}

// Limits responds with the soft limits of one axis.
func (h HTTPMotion) Limits(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.axis(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := LimitsPayload{Min: dev.LowLimitValue(), Max: dev.HighLimitValue()}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
