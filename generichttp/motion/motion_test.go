package motion_test

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"goji.io"

	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/generichttp"
	"github.com/lnls-sol/goscan/generichttp/motion"
	"github.com/lnls-sol/goscan/sim"
)

type deviceSet struct {
	order  []string
	motors map[string]device.Positionable
}

func (d deviceSet) Positioner(name string) (device.Positionable, bool) {
	dev, ok := d.motors[name]
	return dev, ok
}

func (d deviceSet) Motors() []string { return d.order }

// gated refuses every move with a fixed reason.
type gated struct {
	*sim.Motor
}

func (gated) CanPerformMovement(target float64) (bool, string) {
	return false, "the shutter is closed"
}

func rig(t *testing.T) (deviceSet, *httptest.Server) {
	t.Helper()
	m1 := sim.NewMotor("m1")
	if err := m1.SetVelocity(1e6); err != nil {
		t.Fatal(err)
	}
	m1.SetLimits(-1, 1)
	m2 := sim.NewMotor("m2")
	if err := m2.SetVelocity(1e6); err != nil {
		t.Fatal(err)
	}
	devs := deviceSet{
		order: []string{"m1", "m2"},
		motors: map[string]device.Positionable{
			"m1": m1,
			"m2": m2,
		},
	}
	mux := goji.NewMux()
	motion.NewHTTPMotion(devs).RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return devs, srv
}

func postPos(t *testing.T, url string, v float64) int {
	t.Helper()
	body, err := json.Marshal(generichttp.FloatT{F64: v})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getPos(t *testing.T, url string) float64 {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var f generichttp.FloatT
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	return f.F64
}

func TestListAxes(t *testing.T) {
	_, srv := rig(t)
	resp, err := http.Get(srv.URL + "/axis")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "m1" || names[1] != "m2" {
		t.Errorf("axes %v, want [m1 m2]", names)
	}
}

func TestMoveAndReadback(t *testing.T) {
	_, srv := rig(t)
	if code := postPos(t, srv.URL+"/axis/m1/pos", 0.5); code != http.StatusOK {
		t.Fatalf("move: status %d, want 200", code)
	}
	// SetPos blocks until the motor settles, so the readback is current
	if pos := getPos(t, srv.URL+"/axis/m1/pos"); math.Abs(pos-0.5) > 1e-9 {
		t.Errorf("m1 at %v, want 0.5", pos)
	}
	if code := postPos(t, srv.URL+"/axis/m1/pos?relative=true", 0.25); code != http.StatusOK {
		t.Fatalf("relative move: status %d, want 200", code)
	}
	if pos := getPos(t, srv.URL+"/axis/m1/pos"); math.Abs(pos-0.75) > 1e-9 {
		t.Errorf("m1 at %v after relative move, want 0.75", pos)
	}
}

func TestMoveValidation(t *testing.T) {
	_, srv := rig(t)
	if code := postPos(t, srv.URL+"/axis/m1/pos", 5); code != http.StatusBadRequest {
		t.Errorf("out-of-limits move: status %d, want 400", code)
	}
	// m2 has no limits configured, so anything goes
	if code := postPos(t, srv.URL+"/axis/m2/pos", 5); code != http.StatusOK {
		t.Errorf("unlimited move: status %d, want 200", code)
	}
	if code := postPos(t, srv.URL+"/axis/ghost/pos", 0); code != http.StatusNotFound {
		t.Errorf("unknown axis: status %d, want 404", code)
	}
	resp, err := http.Post(srv.URL+"/axis/m1/pos", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", resp.StatusCode)
	}
	if code := postPos(t, srv.URL+"/axis/m1/pos?relative=sideways", 0); code != http.StatusBadRequest {
		t.Errorf("bad relative flag: status %d, want 400", code)
	}
}

func TestValidatorWins(t *testing.T) {
	devs := deviceSet{
		order:  []string{"g"},
		motors: map[string]device.Positionable{"g": gated{sim.NewMotor("g")}},
	}
	mux := goji.NewMux()
	motion.NewHTTPMotion(devs).RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(generichttp.FloatT{F64: 0.1})
	resp, err := http.Post(srv.URL+"/axis/g/pos", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	buf := make([]byte, 128)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "shutter") {
		t.Errorf("body %q does not carry the validator's reason", string(buf[:n]))
	}
}

func TestLimitsRoute(t *testing.T) {
	_, srv := rig(t)
	resp, err := http.Get(srv.URL + "/axis/m1/limits")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var lim motion.LimitsPayload
	if err := json.NewDecoder(resp.Body).Decode(&lim); err != nil {
		t.Fatal(err)
	}
	if lim.Min != -1 || lim.Max != 1 {
		t.Errorf("limits %+v, want [-1, 1]", lim)
	}
}
