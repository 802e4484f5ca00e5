package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInfluxWritesLineProtocol(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	in, err := NewInflux(Config{URL: srv.URL, Token: "t", Database: "s2driver"})
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	s := Summary{Kind: "scan2d", Scan: 12, State: "done", Points: 20, Total: 20,
		Duration: 1500 * time.Millisecond, Ended: time.Unix(1700000000, 0)}
	if err := in.Record(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	body := <-bodies
	for _, want := range []string{"scan,kind=scan2d,state=done", "scan_number=12i", "duration_s=1.5", "points=20i"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in %q", want, body)
		}
	}
}

func TestInfluxReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database not found", http.StatusNotFound)
	}))
	defer srv.Close()
	in, err := NewInflux(Config{URL: srv.URL, Token: "t", Database: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	if err := in.Record(context.Background(), Summary{Kind: "scan1d"}); err == nil {
		t.Error("expected an error from a failing server")
	}
}
