package sandbox

import "testing"

func TestParseCapabilityHTTP(t *testing.T) {
	g, err := ParseCapability("http:api.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Kind != CapHTTP || g.Value != "api.example.com" {
		t.Fatalf("unexpected grant: %+v", g)
	}
}

func TestParseCapabilityHostFn(t *testing.T) {
	g, err := ParseCapability("hostfn:log")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Kind != CapHostFn || g.Value != "log" {
		t.Fatalf("unexpected grant: %+v", g)
	}
}

func TestParseCapabilityStore(t *testing.T) {
	g, err := ParseCapability("store:notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Kind != CapStore || g.Value != "notes" {
		t.Fatalf("unexpected grant: %+v", g)
	}
}

func TestParseCapabilityUnknownKind(t *testing.T) {
	if _, err := ParseCapability("exec:rm"); err == nil {
		t.Fatal("expected error for unknown capability kind")
	}
}

func TestParseCapabilityMalformed(t *testing.T) {
	cases := []string{"", "http", "http:"}
	for _, c := range cases {
		if _, err := ParseCapability(c); err == nil {
			t.Fatalf("expected error for malformed tag %q", c)
		}
	}
}

func TestCapabilitySetAllows(t *testing.T) {
	grants, err := ParseCapabilities([]string{"http:api.example.com", "store:notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs := NewCapabilitySet(grants)

	if !cs.AllowsHost("api.example.com") {
		t.Error("expected host to be allowed")
	}
	if cs.AllowsHost("evil.example.com") {
		t.Error("expected host not to be allowed")
	}
	if !cs.AllowsStore("notes") {
		t.Error("expected store scope to be allowed")
	}
	if cs.AllowsStore("secrets") {
		t.Error("expected store scope not to be allowed")
	}
	if cs.AllowsHostFn("anything") {
		t.Error("expected no hostfn grants")
	}
}
