package loopguard

import "testing"

func TestAllowed(t *testing.T) {
	t.Parallel()

	g, err := New("127.0.0.1:1080")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		host string
		port uint16
		want bool
	}{
		{"127.0.0.1", 1080, false},
		{"localhost", 1080, false},
		{"::1", 1080, false},
		{"127.0.0.1", 1081, true},
		{"example.com", 1080, true},
		{"10.0.0.5", 1080, true},
	}

	for _, tc := range cases {
		if got := g.Allowed(tc.host, tc.port); got != tc.want {
			t.Errorf("Allowed(%q, %d) = %v, want %v", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestAllowedAnyInterfaceBind(t *testing.T) {
	t.Parallel()

	g, err := New("0.0.0.0:1080")
	if err != nil {
		t.Fatal(err)
	}

	if g.Allowed("127.0.0.1", 1080) {
		t.Error("expected loopback destination to be rejected when bound to any-interface")
	}
	if !g.Allowed("192.168.1.5", 1080) {
		t.Error("expected a non-loopback destination to be allowed even when bound to any-interface")
	}
	if !g.Allowed("93.184.216.34", 1080) {
		t.Error("expected non-loopback destination to be allowed")
	}
}

func TestAllowedBoundToSpecificIP(t *testing.T) {
	t.Parallel()

	g, err := New("203.0.113.7:1080")
	if err != nil {
		t.Fatal(err)
	}

	if g.Allowed("127.0.0.1", 1080) {
		t.Error("127.0.0.1 should still be rejected: it's in the fixed loopback host set")
	}
	if g.Allowed("203.0.113.7", 1080) {
		t.Error("expected the bind IP itself to be rejected")
	}
	if !g.Allowed("203.0.113.8", 1080) {
		t.Error("expected a different IP on the same port to be allowed")
	}
}
