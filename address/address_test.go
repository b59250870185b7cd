package address

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := map[Address]Address{
		"Example.COM:27017": "example.com:27017",
		"localhost":         "localhost:27017",
		"A.B.C:9999":        "a.b.c:9999",
	}
	for in, want := range cases {
		if got := in.Canonicalize(); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNetworkUnixSocket(t *testing.T) {
	a := Address("/tmp/mongodb-27017.sock")
	if a.Network() != "unix" {
		t.Errorf("expected unix network, got %s", a.Network())
	}
	if a.Canonicalize() != a {
		t.Errorf("unix socket paths must not be rewritten, got %s", a.Canonicalize())
	}
}
