// Package locker provides an HTTP middleware which bounces requests with
// 423 (Locked) while an instrument is claimed, by hand or by a running
// sweep.
package locker

import (
	"net/http"
	"strings"
	"sync"

	"github.com/lnls-sol/goscan/generichttp"
	"goji.io/pat"
)

// ManipulableLock can be engaged and released by hand, reports its state,
// and protects a handler chain.
type ManipulableLock interface {
	Lock()
	Unlock()
	Locked() bool
	Check(next http.Handler) http.Handler
}

// Inject adds GET and POST /lock routes manipulating l to an HTTPer.
func Inject(other generichttp.HTTPer, l ManipulableLock) {
	rt := other.RT()
	rt[pat.Get("/lock")] = generichttp.GetBool(func() (bool, error) { return l.Locked(), nil })
	rt[pat.Post("/lock")] = generichttp.SetBool(func(b bool) error {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
		return nil
	})
}

// check bounces protected requests while locked reports true.  Paths
// containing any entry of doNotProtect pass through regardless.
func check(locked func() bool, doNotProtect []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if locked() && !exempt(r.URL.Path, doNotProtect) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exempt(path string, doNotProtect []string) bool {
	for _, s := range doNotProtect {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}

// Locker behaves like a sync.Mutex without the blocking and holds a list
// of path substrings to not protect.
type Locker struct {
	mu     sync.Mutex
	locked bool

	// DoNotProtect is a list of path substrings the lock does not apply to.
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated with "lock", so the
// lock can always be released remotely.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock engages the lock.
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
}

// Unlock releases the lock.
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
}

// Locked reports whether the lock is engaged.
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Check returns 423 for protected routes while the lock is engaged.
func (l *Locker) Check(next http.Handler) http.Handler {
	return check(l.Locked, l.DoNotProtect, next)
}

// AutoLocker is a Locker that additionally engages whenever its busy
// probe reports true, keeping manual device access out of a running
// sweep's way.
type AutoLocker struct {
	mu     sync.Mutex
	locked bool
	busy   func() bool

	// DoNotProtect is a list of path substrings the lock does not apply to.
	DoNotProtect []string
}

// NewAuto returns an AutoLocker over the busy probe.  A nil probe never
// engages on its own.
func NewAuto(busy func() bool) *AutoLocker {
	if busy == nil {
		busy = func() bool { return false }
	}
	return &AutoLocker{busy: busy, DoNotProtect: []string{"lock"}}
}

// Lock engages the manual lock.
func (l *AutoLocker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
}

// Unlock releases the manual lock.  The lock stays engaged while the busy
// probe reports true.
func (l *AutoLocker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
}

// Locked reports whether the manual lock is engaged or the probe is busy.
func (l *AutoLocker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked || l.busy()
}

// Check returns 423 for protected routes while the lock is engaged.
func (l *AutoLocker) Check(next http.Handler) http.Handler {
	return check(l.Locked, l.DoNotProtect, next)
}
