package config

import "testing"

func TestParseEntryFlagsDefaults(t *testing.T) {
	cfg, err := ParseEntryFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenLocal != defaultEntryListenLocal {
		t.Fatalf("unexpected listen addr %q", cfg.ListenLocal)
	}
	if cfg.SessionsPerNode != 1 {
		t.Fatalf("unexpected sessions per node %d", cfg.SessionsPerNode)
	}
	if cfg.ProbeDownAfter != defaultProbeDownAfter {
		t.Fatalf("unexpected probe threshold %d", cfg.ProbeDownAfter)
	}
}

func TestParseEntryFlagsRejectsBadValues(t *testing.T) {
	if _, err := ParseEntryFlags([]string{"--sessions", "0"}); err == nil {
		t.Fatal("expected error for zero sessions")
	}
	if _, err := ParseEntryFlags([]string{"--accept-queue", "-1"}); err == nil {
		t.Fatal("expected error for negative accept queue")
	}
	if _, err := ParseEntryFlags([]string{"--listen", ""}); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}

func TestParseExitFlagsRequiresToken(t *testing.T) {
	if _, err := ParseExitFlags(nil); err == nil {
		t.Fatal("expected error without token configuration")
	}
	cfg, err := ParseExitFlags([]string{"--token-hash", "ABCDEF"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenHash != "abcdef" {
		t.Fatalf("expected lower-cased token hash, got %q", cfg.TokenHash)
	}
	if cfg.VPNAddr != defaultVPNAddr {
		t.Fatalf("unexpected vpn addr %q", cfg.VPNAddr)
	}
}

func TestParseExitFlagsRejectsNegativePadding(t *testing.T) {
	if _, err := ParseExitFlags([]string{"--token-hash", "ab", "--padding-quantum", "-8"}); err == nil {
		t.Fatal("expected error for negative padding quantum")
	}
}

func TestNormalizeNodeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Exit.Example.com/", "exit.example.com"},
		{"wss://exit.example.com:8443", "exit.example.com"},
		{"exit.example.com.", "exit.example.com"},
	}
	for _, c := range cases {
		if got := NormalizeNodeHost(c.in); got != c.want {
			t.Fatalf("NormalizeNodeHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
