package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	ToggleRollbacks.Inc()
	PushEvents.WithLabelValues("presence.status").Inc()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "sideline_toggle_rollbacks_total") {
		t.Fatal("expected rollback counter in exposition")
	}
	if !strings.Contains(body, "sideline_push_events_total") {
		t.Fatal("expected push event counter in exposition")
	}
}

func TestServeDisabledWhenAddrEmpty(t *testing.T) {
	if err := Serve(context.Background(), "  "); err != nil {
		t.Fatalf("serve with empty addr: %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, "127.0.0.1:0")
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("metrics listener did not stop on cancel")
	}
}
