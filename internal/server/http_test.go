package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthy = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	HealthHandler(func() error { return errors.New("session rejected") })(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "session rejected") {
		t.Fatalf("unhealthy = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMuxRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "petkit_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(NewMux(Routes{
		Metrics: registry,
		State:   func() any { return map[string]int{"devices": 2} },
	}))
	defer srv.Close()

	body := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	if code, out := body("/metrics"); code != http.StatusOK || !strings.Contains(out, "petkit_test_total 1") {
		t.Fatalf("metrics = %d %q", code, out)
	}
	if code, out := body("/state"); code != http.StatusOK || !strings.Contains(out, `"devices": 2`) {
		t.Fatalf("state = %d %q", code, out)
	}
	if code, _ := body("/health"); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}

	resp, err := http.Post(srv.URL+"/state", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post state = %d", resp.StatusCode)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewHTTPServer(addr, NewMux(Routes{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
