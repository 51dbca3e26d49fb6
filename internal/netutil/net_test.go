package netutil

import "testing"

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com:8443", "example.com"},
		{"example.com.", "example.com"},
		{" 10.0.0.1:443 ", "10.0.0.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeHost(c.in); got != c.want {
			t.Fatalf("NormalizeHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	if got := RemoteIP("10.1.2.3:51442"); got != "10.1.2.3" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := RemoteIP("[::1]:8080"); got != "::1" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := RemoteIP("10.1.2.3"); got != "10.1.2.3" {
		t.Fatalf("unexpected ip %q", got)
	}
}
