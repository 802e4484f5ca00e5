package locker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aps-2idd/s2driver/generichttp"
	"github.com/go-chi/chi"
)

func mux(l *Locker) http.Handler {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/shutter/close"}: func(w http.ResponseWriter, r *http.Request) {},
	}
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.Bind(r)
	return r
}

func post(h http.Handler, path, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body)))
	return w.Code
}

func TestUnlockCannotClearHold(t *testing.T) {
	l := New()
	h := mux(l)
	l.Hold()
	if code := post(h, "/lock", `{"bool": false}`); code != http.StatusOK {
		t.Errorf("expected %v got %v", http.StatusOK, code)
	}
	if code := post(h, "/shutter/close", ""); code != http.StatusLocked {
		t.Errorf("expected %v got %v", http.StatusLocked, code)
	}
	l.Release()
	if code := post(h, "/shutter/close", ""); code != http.StatusOK {
		t.Errorf("expected %v got %v", http.StatusOK, code)
	}
}

func TestHoldKeepsOperatorLock(t *testing.T) {
	l := New()
	l.Lock()
	l.Hold()
	l.Release()
	if !l.Locked() {
		t.Error("expected the operator's lock to survive a hold")
	}
	if l.Held() {
		t.Error("expected no hold after Release")
	}
	l.Unlock()
	if l.Locked() {
		t.Error("expected unlocked")
	}
}
