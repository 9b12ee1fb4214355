package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// reservePorts binds count consecutive ports starting at base and returns a
// release func. Skips the test if the range is unavailable.
func reservePorts(t *testing.T, base, count int) func() {
	t.Helper()
	var listeners []net.Listener
	for port := base; port < base+count; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			t.Skipf("port %d unavailable: %v", port, err)
		}
		listeners = append(listeners, ln)
	}
	return func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}
}

func TestAllocatePort_SkipsBoundPorts(t *testing.T) {
	const base = 19000
	release := reservePorts(t, base, 4)
	defer release()

	port, err := AllocatePort("", base, 5)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != base+4 {
		t.Fatalf("expected first free port %d, got %d", base+4, port)
	}
}

func TestAllocatePort_ExhaustedRange(t *testing.T) {
	const base = 19100
	release := reservePorts(t, base, 3)
	defer release()

	if _, err := AllocatePort("", base, 3); err == nil {
		t.Fatal("expected error for fully bound range")
	}
}

// testInstance runs a minimal control-plane stub on a real port and returns
// that port.
func testInstance(t *testing.T, sessions map[string]bool, pids map[int]bool) int {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if sessions[r.PathValue("id")] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /instances/{pid}/settings", func(w http.ResponseWriter, r *http.Request) {
		pid, _ := strconv.Atoi(r.PathValue("pid"))
		if pids[pid] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	idx := strings.LastIndex(srv.URL, ":")
	port, err := strconv.Atoi(srv.URL[idx+1:])
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return port
}

func TestProber_DiscoverServer(t *testing.T) {
	port := testInstance(t, map[string]bool{"sess-1": true}, nil)
	p := NewProber("", 200*time.Millisecond)
	ctx := context.Background()

	got, ok := p.DiscoverServer(ctx, "sess-1", port, 1)
	if !ok || got != port {
		t.Fatalf("expected discovery on port %d, got %d ok=%v", port, got, ok)
	}

	if _, ok := p.DiscoverServer(ctx, "unknown", port, 1); ok {
		t.Fatal("discovered a server for an unregistered session")
	}
}

func TestProber_FindServerForPID(t *testing.T) {
	port := testInstance(t, nil, map[int]bool{4321: true})
	p := NewProber("", 200*time.Millisecond)
	ctx := context.Background()

	got, ok := p.FindServerForPID(ctx, 4321, port, 1)
	if !ok || got != port {
		t.Fatalf("expected pid match on port %d, got %d ok=%v", port, got, ok)
	}
	if _, ok := p.FindServerForPID(ctx, 9, port, 1); ok {
		t.Fatal("matched a pid with no session")
	}
}

func TestProber_UnreachablePortIsNotHealthy(t *testing.T) {
	p := NewProber("", 100*time.Millisecond)
	// Nothing listens here.
	if p.Healthy(context.Background(), 19999) {
		t.Fatal("dead port reported healthy")
	}
}
