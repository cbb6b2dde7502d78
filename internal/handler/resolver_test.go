package handler

import "testing"

type stubController struct{ prefix string }

func (s stubController) Prefix() string { return s.prefix }

func TestResolverDirectLookup(t *testing.T) {
	r := NewResolver()
	ctrl := stubController{prefix: "room"}
	r.Register("room", ctrl)

	got, found := r.Resolve("room")
	if !found {
		t.Fatalf("expected room to resolve")
	}
	if got != ctrl {
		t.Fatalf("resolved controller mismatch")
	}
}

func TestResolverFolderSegmentationFallback(t *testing.T) {
	r := NewResolver()
	ctrl := stubController{prefix: "a-b"}
	r.Register("a-b", ctrl)

	got, found := r.Resolve("a-b-c")
	if !found {
		t.Fatalf("expected a-b-c to fall back to a-b")
	}
	if got != ctrl {
		t.Fatalf("resolved controller mismatch")
	}
}

func TestResolverNegativeLookupCached(t *testing.T) {
	r := NewResolver()

	if _, found := r.Resolve("missing"); found {
		t.Fatalf("expected missing prefix to not resolve")
	}
	if _, found := r.Resolve("missing"); found {
		t.Fatalf("expected cached negative lookup to still report not found")
	}

	stats := r.Stats()
	if stats.Misses != 2 {
		t.Fatalf("want 2 misses, got %d", stats.Misses)
	}
}

func TestResolverDiscoverUsesEachControllersPrefix(t *testing.T) {
	r := NewResolver()
	r.Discover([]Controller{
		stubController{prefix: "room"},
		stubController{prefix: "chat"},
		stubController{prefix: ""}, // must be skipped, not registered under ""
	})

	if _, found := r.Resolve("room"); !found {
		t.Fatalf("expected room to be discovered")
	}
	if _, found := r.Resolve("chat"); !found {
		t.Fatalf("expected chat to be discovered")
	}
	if _, found := r.Resolve(""); found {
		t.Fatalf("empty prefix must never be registered")
	}
}

func TestResolverClearCacheForcesReResolution(t *testing.T) {
	r := NewResolver()
	if _, found := r.Resolve("room"); found {
		t.Fatalf("expected room to be unresolved before registration")
	}

	r.Register("room", stubController{prefix: "room"})
	// Without ClearCache, the negative lookup above would still be cached.
	r.ClearCache()

	if _, found := r.Resolve("room"); !found {
		t.Fatalf("expected room to resolve after registration and cache clear")
	}
}

func TestKebabToPascalAndBack(t *testing.T) {
	cases := map[string]string{
		"room":          "Room",
		"room-activity": "RoomActivity",
		"a-b-c":         "ABC",
	}
	for kebab, pascal := range cases {
		if got := KebabToPascal(kebab); got != pascal {
			t.Errorf("KebabToPascal(%q) = %q, want %q", kebab, got, pascal)
		}
	}

	if got := PascalToKebab("RoomActivity"); got != "room-activity" {
		t.Errorf("PascalToKebab(RoomActivity) = %q, want room-activity", got)
	}
}
