package store

import (
	"context"
	"testing"
)

func TestPluginKVGetSetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	kv := NewPluginKVStore(db)

	v, err := kv.Get(ctx, "alpha", "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatalf("Get on unset key = %v, want nil", v)
	}

	if err := kv.Set(ctx, "alpha", "x", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err = kv.Get(ctx, "alpha", "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v == nil || *v != "1" {
		t.Fatalf("Get after Set = %v, want \"1\"", v)
	}

	// Same key under a different plugin id must not collide.
	v2, err := kv.Get(ctx, "beta", "x")
	if err != nil {
		t.Fatalf("Get other plugin: %v", err)
	}
	if v2 != nil {
		t.Fatalf("Get under different plugin id = %v, want nil", v2)
	}

	if err := kv.Delete(ctx, "alpha", "x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, err = kv.Get(ctx, "alpha", "x")
	if err != nil {
		t.Fatalf("Get after Delete: %v", err)
	}
	if v != nil {
		t.Fatalf("Get after Delete = %v, want nil", v)
	}

	if err := kv.Delete(ctx, "alpha", "nonexistent"); err != nil {
		t.Errorf("Delete of an absent key should not error: %v", err)
	}
}
