// Package metrics registers the client runtime's prometheus collectors and
// optionally exposes them on a local listener for debugging.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidelinehq/sideline/internal/platform/timeouts"
)

var (
	// ToggleRollbacks counts optimistic follow flips restored after a
	// failed mutation.
	ToggleRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_toggle_rollbacks_total",
		Help: "Optimistic follow toggles rolled back after a failed mutation",
	})

	// ToggleRejected counts toggles silently rejected because a mutation
	// for the same entity was already in flight.
	ToggleRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_toggle_rejected_total",
		Help: "Follow toggles rejected by the pending-mutation guard",
	})

	// OwnerGuard counts stream lifecycle calls dropped because the viewer
	// does not own the stream.
	OwnerGuard = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_owner_guard_total",
		Help: "Stream lifecycle calls dropped by the owner guard",
	})

	// PushEvents counts push events applied, labeled by frame kind.
	PushEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sideline_push_events_total",
		Help: "Push events received from the gateway",
	}, []string{"kind"})

	// PushReconnects counts push connection re-establishments.
	PushReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_push_reconnects_total",
		Help: "Push gateway reconnect attempts",
	})

	// PushDuplicates counts push events whose application changed nothing,
	// the expected signature of at-least-once redelivery.
	PushDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_push_duplicates_total",
		Help: "Push events that converged without a state change",
	})

	// AvatarCacheHits counts avatar resolutions served from cache.
	AvatarCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_avatar_cache_hits_total",
		Help: "Avatar resolutions served from the resolution cache",
	})

	// AvatarCacheMisses counts avatar resolutions that re-derived.
	AvatarCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_avatar_cache_misses_total",
		Help: "Avatar resolutions that missed the resolution cache",
	})

	// APIRetries counts idempotent API calls that needed a retry, labeled
	// by endpoint.
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sideline_api_retries_total",
		Help: "Retried idempotent platform API calls",
	}, []string{"endpoint"})

	// WatchDegraded counts watches whose background join or count update
	// failed. The optimistic render stands either way.
	WatchDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sideline_watch_degraded_total",
		Help: "Watches whose background registration partially failed",
	})
)

func init() {
	prometheus.MustRegister(
		ToggleRollbacks,
		ToggleRejected,
		OwnerGuard,
		PushEvents,
		PushReconnects,
		PushDuplicates,
		AvatarCacheHits,
		AvatarCacheMisses,
		APIRetries,
		WatchDegraded,
	)
}

// Handler returns the exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener and returns immediately.
func Serve(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
		return nil
	case err := <-done:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
