package supervisor

import "testing"

func TestRouteIndexFirstWinsOnConflict(t *testing.T) {
	r := newRouteIndex()

	if !r.Insert("/alpha", "alpha") {
		t.Fatal("first insert should succeed")
	}
	if r.Insert("/alpha", "beta") {
		t.Error("conflicting insert should report false (first-wins)")
	}

	owner, ok := r.Lookup("/alpha")
	if !ok || owner != "alpha" {
		t.Errorf("Lookup = %q, %v, want alpha, true", owner, ok)
	}
}

func TestRouteIndexRemoveOnlyByOwner(t *testing.T) {
	r := newRouteIndex()
	r.Insert("/alpha", "alpha")

	r.Remove("/alpha", "someone-else")
	if _, ok := r.Lookup("/alpha"); !ok {
		t.Error("remove by a non-owner must not release the route")
	}

	r.Remove("/alpha", "alpha")
	if _, ok := r.Lookup("/alpha"); ok {
		t.Error("remove by the owner should release the route")
	}
}

func TestRouteIndexMissingRouteIsNotFound(t *testing.T) {
	r := newRouteIndex()
	if _, ok := r.Lookup("/nope"); ok {
		t.Error("unclaimed route should not be found")
	}
}
