package avatar

import (
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"
)

const (
	testCDNBase      = "https://images.sideline.example/u"
	testFallbackBase = "https://cards.sideline.example"
)

func newTestResolver() *Resolver {
	return New(Config{CDNBase: testCDNBase, FallbackBase: testFallbackBase})
}

func TestResolvePrimaryOnCDNSplicesTransform(t *testing.T) {
	resolver := newTestResolver()
	got := resolver.Resolve("athlete-1", testCDNBase+"/profiles/abc.jpg", "Maya Rodrigues", 192)
	want := testCDNBase + "/f_auto,q_auto,c_limit,w_192/profiles/abc.jpg"
	if got != want {
		t.Fatalf("Resolve(...) = %q, want %q", got, want)
	}
}

func TestResolvePrimaryOffCDNFetchesThroughIt(t *testing.T) {
	resolver := newTestResolver()
	source := "https://elsewhere.example/pic.png"
	got := resolver.Resolve("athlete-1", source, "", 0)
	want := testCDNBase + "/f_auto,q_auto,c_limit,w_96/" + url.QueryEscape(source)
	if got != want {
		t.Fatalf("Resolve(...) = %q, want %q", got, want)
	}
}

func TestResolveInitialsCard(t *testing.T) {
	resolver := newTestResolver()
	got := resolver.Resolve("athlete-1", "", "maya rodrigues dos santos", 128)
	want := fmt.Sprintf("%s/card?initials=MR&slot=%d&s=128", testFallbackBase, backgroundSlot("athlete-1"))
	if got != want {
		t.Fatalf("Resolve(...) = %q, want %q", got, want)
	}
}

func TestResolveUnicodeInitials(t *testing.T) {
	resolver := newTestResolver()
	got := resolver.Resolve("athlete-2", "", "álvaro única", 64)
	if !strings.Contains(got, "initials="+url.QueryEscape("ÁÚ")) {
		t.Fatalf("Resolve(...) = %q, want uppercased unicode initials", got)
	}
}

func TestResolvePlaceholderWithoutSignals(t *testing.T) {
	resolver := newTestResolver()
	got := resolver.Resolve("athlete-3", "", "", 48)
	want := fmt.Sprintf("%s/placeholder?slot=%d&s=48", testFallbackBase, backgroundSlot("athlete-3"))
	if got != want {
		t.Fatalf("Resolve(...) = %q, want %q", got, want)
	}
}

func TestResolveCachesFirstDerivation(t *testing.T) {
	resolver := newTestResolver()
	first := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 64)

	// Same signals at a different size still hit the cached URL.
	second := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 256)
	if second != first {
		t.Fatalf("second resolve = %q, want cached %q", second, first)
	}
}

func TestSignalChangeRederives(t *testing.T) {
	resolver := newTestResolver()
	card := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 64)
	primary := resolver.Resolve("athlete-1", testCDNBase+"/profiles/abc.jpg", "Maya Rodrigues", 64)
	if card == primary {
		t.Fatal("a new primary signal should re-derive, not reuse the card URL")
	}
	if !strings.Contains(primary, "/profiles/abc.jpg") {
		t.Fatalf("primary resolve = %q, want the primary image variant", primary)
	}
}

func TestReportErrorEvictsAtBudget(t *testing.T) {
	resolver := New(Config{CDNBase: testCDNBase, FallbackBase: testFallbackBase, MaxErrors: 2})
	first := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 64)

	resolver.ReportError("athlete-1", "", "Maya Rodrigues")
	if again := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 256); again != first {
		t.Fatalf("below the error budget the cached URL should stand, got %q", again)
	}

	resolver.ReportError("athlete-1", "", "Maya Rodrigues")
	rederived := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 256)
	if rederived == first {
		t.Fatal("saturated entry should evict and re-derive")
	}
	if !strings.Contains(rederived, "s=256") {
		t.Fatalf("re-derived URL = %q, want the fresh size applied", rederived)
	}
}

func TestSaturatedPrimaryFallsBackToCard(t *testing.T) {
	resolver := New(Config{CDNBase: testCDNBase, FallbackBase: testFallbackBase, MaxErrors: 2})
	primary := testCDNBase + "/profiles/broken.jpg"
	first := resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64)
	if !strings.Contains(first, "/profiles/broken.jpg") {
		t.Fatalf("first resolve = %q, want the primary variant", first)
	}

	resolver.ReportError("athlete-1", primary, "Maya Rodrigues")
	resolver.ReportError("athlete-1", primary, "Maya Rodrigues")

	fallback := resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64)
	if !strings.Contains(fallback, "/card?initials=MR") {
		t.Fatalf("post-saturation resolve = %q, want the initials card", fallback)
	}

	// The card is cached under the same signals, so the surface keeps
	// rendering it instead of retrying the dead image every frame.
	if again := resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64); again != fallback {
		t.Fatalf("repeat resolve = %q, want cached %q", again, fallback)
	}
}

func TestQuarantinedPrimaryRetriesAfterTTL(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	resolver := New(Config{
		CDNBase:      testCDNBase,
		FallbackBase: testFallbackBase,
		TTL:          time.Minute,
		MaxErrors:    1,
		Clock:        func() time.Time { return now },
	})
	primary := testCDNBase + "/profiles/broken.jpg"
	resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64)
	resolver.ReportError("athlete-1", primary, "Maya Rodrigues")

	fallback := resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64)
	if !strings.Contains(fallback, "/card?") {
		t.Fatalf("post-saturation resolve = %q, want the card", fallback)
	}

	now = now.Add(2 * time.Minute)
	retried := resolver.Resolve("athlete-1", primary, "Maya Rodrigues", 64)
	if !strings.Contains(retried, "/profiles/broken.jpg") {
		t.Fatalf("post-TTL resolve = %q, want the primary retried", retried)
	}
}

func TestFlushDropsCache(t *testing.T) {
	resolver := newTestResolver()
	first := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 64)
	resolver.Flush()
	second := resolver.Resolve("athlete-1", "", "Maya Rodrigues", 256)
	if second == first {
		t.Fatal("flush should force re-derivation")
	}
}

func TestBackgroundSlotIsStable(t *testing.T) {
	for _, entityID := range []string{"athlete-1", "athlete-2", "stream-42"} {
		first := backgroundSlot(entityID)
		if second := backgroundSlot(entityID); second != first {
			t.Fatalf("slot for %s moved from %d to %d", entityID, first, second)
		}
		if first < 0 || first >= backgroundSlots {
			t.Fatalf("slot for %s = %d, want [0,%d)", entityID, first, backgroundSlots)
		}
	}
}

func TestNilResolverIsSafe(t *testing.T) {
	var resolver *Resolver
	if got := resolver.Resolve("athlete-1", "", "", 64); got != "" {
		t.Fatalf("nil resolve = %q, want empty", got)
	}
	resolver.ReportError("athlete-1", "", "")
	resolver.Flush()
}
