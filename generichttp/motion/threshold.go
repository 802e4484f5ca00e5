package motion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/aps-2idd/s2driver/generichttp"
	guard "github.com/aps-2idd/s2driver/motion"
	"github.com/go-chi/chi"
)

// Thresholder knows each axis' movement threshold and commanded position
type Thresholder interface {
	// Threshold returns the threshold of an axis, false if it has none
	Threshold(string) (float64, bool)

	// Setpoint returns the commanded position of an axis
	Setpoint(string) (float64, error)
}

// ThresholdMiddleware refuses moves larger than an axis' threshold unless the
// request carries ?confirm=true.  It is the HTTP form of the console prompt:
// the client is expected to ask its operator and resend.
type ThresholdMiddleware struct {
	Axes Thresholder
}

// Check verifies a POST to an axis position and responds with
// StatusPreconditionFailed if the move is too large and not confirmed,
// otherwise flows control to the next handler
func (t *ThresholdMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/pos") || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		axis := axisFromPath(r)
		thresh, ok := t.Axes.Threshold(axis)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if c, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); c {
			next.ServeHTTP(w, r)
			return
		}
		relative, err := strconv.ParseBool(defaultStr(r.URL.Query().Get("relative"), "false"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// the mover needs the body too
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		f := generichttp.FloatT{}
		if err := json.Unmarshal(body, &f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		current, err := t.Axes.Setpoint(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		target := f.F64
		if relative {
			target += current
		}
		if guard.Exceeds(thresh, current, target) {
			msg := fmt.Sprintf("move of %s by %.2f (from %v to %v) exceeds threshold %v, resend with confirm=true",
				axis, math.Abs(target-current), current, target, thresh)
			http.Error(w, msg, http.StatusPreconditionFailed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /axis/{axis}/threshold route on the table
func (t *ThresholdMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/threshold"}] = func(w http.ResponseWriter, r *http.Request) {
		thresh, _ := t.Axes.Threshold(chi.URLParam(r, "axis"))
		generichttp.GetFloat(func() (float64, error) { return thresh, nil })(w, r)
	}
}

// axisFromPath pulls the axis out of .../axis/{axis}/pos; middleware runs
// before chi has matched the route, so URLParam is not yet available
func axisFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i := len(parts) - 2; i > 0; i-- {
		if parts[i-1] == "axis" {
			return parts[i]
		}
	}
	return ""
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
