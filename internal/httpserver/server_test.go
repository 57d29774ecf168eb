package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (srv *Server, baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New("127.0.0.1:0", log, build)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return srv, "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthzReadyzVersion(t *testing.T) {
	_, baseURL := startTestServer(t)

	t.Run("healthz", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/healthz")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/readyz")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		status, body := getJSON(t, baseURL+"/version")
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["commit"] != "abc" || body["buildTime"] != "time" {
			t.Fatalf("body=%v", body)
		}
	})
}

func TestReadyzReportsUnready(t *testing.T) {
	srv, baseURL := startTestServer(t)

	status, _ := getJSON(t, baseURL+"/readyz")
	if status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}

	// Flip readiness without tearing the listener down.
	srv.ready.Store(false)

	status, body := getJSON(t, baseURL+"/readyz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", status, http.StatusServiceUnavailable)
	}
	if body["ready"] != false {
		t.Fatalf("body=%v, want ready=false", body)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	_, baseURL := startTestServer(t)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}

	// Absent on the request, the server assigns one.
	resp2, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	io.Copy(io.Discard, resp2.Body)
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Fatalf("no X-Request-ID assigned")
	}
}
