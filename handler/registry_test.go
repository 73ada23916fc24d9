package handler_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
	"github.com/plexrpc/plexrpc/handler"
)

func stub(result any) handler.Func {
	return func(context.Context, *plexrpc.Request) (any, error) { return result, nil }
}

func TestRegisterValidation(t *testing.T) {
	reg := handler.NewRegistry()
	if err := reg.Register("", stub(nil), nil); err == nil {
		t.Error("Register with empty name succeeded")
	}
	if err := reg.Register("a.b.c", nil, nil); err == nil {
		t.Error("Register with nil handler succeeded")
	}
	if err := reg.Register("a.b.c", stub(nil), &handler.Options{
		Params: []handler.ParamInfo{{Name: "x", Type: "integer"}},
	}); err == nil {
		t.Error("Register with unknown param type succeeded")
	}
	if err := reg.Register("a.b.c", stub(nil), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if err := reg.Register("a.b.c", stub(nil), nil); err == nil {
		t.Error("Duplicate registration succeeded")
	}
}

func TestWildcardResolution(t *testing.T) {
	reg := handler.NewRegistry()
	if err := reg.Register("a.b.*", stub("wild"), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}

	for _, name := range []string{"a.b.c.d", "a.b.c"} {
		if _, ok := reg.Resolve(name); !ok {
			t.Errorf("Resolve(%q) failed, want match on a.b.*", name)
		}
	}
	if _, ok := reg.Resolve("a.c"); ok {
		t.Error("Resolve(a.c) matched, want no match")
	}
	if _, ok := reg.Resolve("a.b"); ok {
		t.Error("Resolve(a.b) matched, want no match (prefix without action)")
	}
}

func TestExactBeatsWildcard(t *testing.T) {
	reg := handler.NewRegistry()
	if err := reg.Register("a.b.*", stub("wild"), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if err := reg.Register("a.b.c", stub("exact"), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	m, ok := reg.Resolve("a.b.c")
	if !ok {
		t.Fatal("Resolve(a.b.c) failed")
	}
	if v, _ := m.Func(context.Background(), &plexrpc.Request{ID: "1", Method: "a.b.c"}); v != "exact" {
		t.Errorf("Resolve(a.b.c) returned %v, want the exact registration", v)
	}
}

func TestLongerPrefixWildcardWins(t *testing.T) {
	reg := handler.NewRegistry()
	if err := reg.Register("a.*", stub("short"), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if err := reg.Register("a.b.c.*", stub("long"), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	m, ok := reg.Resolve("a.b.c.d")
	if !ok {
		t.Fatal("Resolve(a.b.c.d) failed")
	}
	if v, _ := m.Func(context.Background(), &plexrpc.Request{ID: "1", Method: "a.b.c.d"}); v != "long" {
		t.Errorf("Resolve(a.b.c.d) returned %v, want the deeper wildcard", v)
	}
}

func TestUnregister(t *testing.T) {
	reg := handler.NewRegistry()
	if err := reg.Register("a.b.c", stub(nil), nil); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	if !reg.Unregister("a.b.c") {
		t.Error("Unregister of present name reported false")
	}
	if reg.Unregister("a.b.c") {
		t.Error("Unregister of absent name reported true")
	}
	if reg.Has("a.b.c") {
		t.Error("Name still present after unregister")
	}
}

func TestNamesAndNamespaces(t *testing.T) {
	reg := handler.NewRegistry()
	for _, name := range []string{"a.users.list", "a.users.get", "a.posts.list", "solo"} {
		if err := reg.Register(name, stub(nil), nil); err != nil {
			t.Fatalf("Register %q: unexpected error: %v", name, err)
		}
	}

	if diff := cmp.Diff([]string{"a.users.list", "a.users.get", "a.posts.list", "solo"}, reg.Names("")); diff != "" {
		t.Errorf("Names(): (-want, +got)\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.users.list", "a.users.get"}, reg.Names("users")); diff != "" {
		t.Errorf("Names(users): (-want, +got)\n%s", diff)
	}
	if diff := cmp.Diff([]string{"posts", "users"}, reg.Namespaces()); diff != "" {
		t.Errorf("Namespaces(): (-want, +got)\n%s", diff)
	}
	byNS := reg.ByNamespace()
	if diff := cmp.Diff([]string{"a.posts.list"}, byNS["posts"]); diff != "" {
		t.Errorf("ByNamespace()[posts]: (-want, +got)\n%s", diff)
	}
	if diff := cmp.Diff([]string{"solo"}, byNS[""]); diff != "" {
		t.Errorf("ByNamespace()[\"\"]: (-want, +got)\n%s", diff)
	}
	if reg.Len() != 4 {
		t.Errorf("Len: got %d, want 4", reg.Len())
	}
}

func TestAssignRateLimit(t *testing.T) {
	reg := handler.NewRegistry()
	err := reg.Register("a.t.limited", stub("ok"), &handler.Options{
		RateLimit: &handler.RateLimit{PerSecond: 0.001, Burst: 1},
	})
	if err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	h := reg.Assign(context.Background(), "a.t.limited")
	if h == nil {
		t.Fatal("Assign returned nil")
	}
	req := &plexrpc.Request{ID: "1", Method: "a.t.limited"}
	if _, err := h(context.Background(), req); err != nil {
		t.Fatalf("First call: unexpected error: %v", err)
	}
	_, err = h(context.Background(), req)
	if code.FromError(err) != code.RateLimited {
		t.Errorf("Second call: got %v, want rate-limited", err)
	}
}

func TestAssignUnknown(t *testing.T) {
	reg := handler.NewRegistry()
	if h := reg.Assign(context.Background(), "a.b.c"); h != nil {
		t.Error("Assign of unknown method returned a handler")
	}
}
