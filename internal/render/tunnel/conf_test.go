package tunnel

import (
	"strings"
	"testing"
)

func sampleView() View {
	return View{
		PrivateKey:      "PRIVKEY",
		Addresses:       []string{"10.0.0.2/32", "fd00::2/128"},
		DNS:             []string{"1.1.1.1", "8.8.8.8"},
		MTU:             1420,
		ServerPublicKey: "SRVPUB",
		PresharedKey:    "PSK",
		Endpoint:        "vpn.example.com:51820",
		AllowedIPs:      []string{"10.0.0.0/24", "192.168.88.0/24"},
		Keepalive:       25,
		PeerName:        "laptop",
	}
}

func TestRenderIdempotent(t *testing.T) {
	v := sampleView()
	if Render(v) != Render(v) {
		t.Fatal("two renders of the same view differ")
	}
}

func TestRenderFieldOrder(t *testing.T) {
	got := Render(sampleView())
	want := "[Interface]\n" +
		"PrivateKey = PRIVKEY\n" +
		"Address = 10.0.0.2/32, fd00::2/128\n" +
		"DNS = 1.1.1.1, 8.8.8.8\n" +
		"MTU = 1420\n" +
		"\n" +
		"[Peer]\n" +
		"PublicKey = SRVPUB\n" +
		"PresharedKey = PSK\n" +
		"Endpoint = vpn.example.com:51820\n" +
		"AllowedIPs = 10.0.0.0/24, 192.168.88.0/24\n" +
		"PersistentKeepalive = 25\n"
	if got != want {
		t.Fatalf("render mismatch:\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestRenderOmitsEmptyOptionals(t *testing.T) {
	v := View{
		PrivateKey:      "PRIV",
		Addresses:       []string{"10.0.0.2/32"},
		ServerPublicKey: "PUB",
		Endpoint:        "host:51820",
		AllowedIPs:      []string{"10.0.0.0/24"},
	}
	got := Render(v)
	for _, absent := range []string{"DNS", "MTU", "PresharedKey", "PersistentKeepalive"} {
		if strings.Contains(got, absent) {
			t.Fatalf("unset field %s present in output:\n%s", absent, got)
		}
	}
}

func TestRenderPeerSectionOnly(t *testing.T) {
	got := RenderPeerSection(sampleView())
	if strings.Contains(got, "[Interface]") || strings.Contains(got, "PrivateKey") {
		t.Fatalf("peer fragment leaks interface section:\n%s", got)
	}
	if !strings.HasPrefix(got, "[Peer]\n") {
		t.Fatalf("fragment does not start with [Peer]:\n%s", got)
	}
}
