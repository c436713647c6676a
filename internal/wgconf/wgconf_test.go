package wgconf

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sample = `[Interface]
PrivateKey = c2VydmVyLXByaXZhdGU=
Address = 10.8.1.0/24
ListenPort = 51820
Jc = 4
Jmin = 10
Jmax = 50
S1 = 20
S2 = 30
H1 = 111
H2 = 222
H3 = 333
H4 = 444

[Peer]
PublicKey = alice=
PresharedKey = psk1=
AllowedIPs = 10.8.1.2/32

#[Peer]
#PublicKey = bob=
#PresharedKey = psk2=
#AllowedIPs = 10.8.1.3/32
`

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"sample", sample},
		{"no trailing newline", strings.TrimSuffix(sample, "\n")},
		{"unknown directives", "[Interface]\nPostUp = iptables -A FORWARD  \n  weird line\t\n\n; comment\n[Custom]\nFoo=bar\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.text).String(); got != tt.text {
				t.Fatalf("round trip mismatch (-want +got):\n%s", cmp.Diff(tt.text, got))
			}
		})
	}
}

func TestBytesAddsTrailingNewline(t *testing.T) {
	f := Parse("[Interface]\nListenPort = 1")
	if got := string(f.Bytes()); got != "[Interface]\nListenPort = 1\n" {
		t.Fatalf("got %q", got)
	}
	f = Parse(sample)
	if got := string(f.Bytes()); got != sample {
		t.Fatalf("Bytes changed a file that already ends with a newline")
	}
}

func TestBlocks(t *testing.T) {
	f := Parse(sample)
	var kinds []string
	for _, b := range f.Blocks() {
		kinds = append(kinds, b.Kind.String())
	}
	want := []string{"interface", "opaque", "peer", "opaque", "peer", "opaque"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("block kinds mismatch (-want +got):\n%s", diff)
	}

	peers := f.Peers()
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].Disabled || peers[0].PublicKey != "alice=" || peers[0].AllowedIPs != "10.8.1.2/32" {
		t.Fatalf("unexpected first peer: %+v", peers[0])
	}
	if !peers[1].Disabled || peers[1].PublicKey != "bob=" || peers[1].PresharedKey != "psk2=" {
		t.Fatalf("unexpected second peer: %+v", peers[1])
	}
}

func TestFindPeerLine(t *testing.T) {
	f := Parse(sample)
	if got := f.FindPeerLine("alice="); got != 15 {
		t.Fatalf("alice line = %d, want 15", got)
	}
	if got := f.FindPeerLine("bob="); got != 20 {
		t.Fatalf("bob line = %d, want 20", got)
	}
	if got := f.FindPeerLine("nobody="); got != -1 {
		t.Fatalf("unknown key line = %d, want -1", got)
	}
	if got := f.FindPeerLine(""); got != -1 {
		t.Fatalf("empty key line = %d, want -1", got)
	}
}

func TestInterfaceValue(t *testing.T) {
	f := Parse(sample)
	for name, want := range map[string]string{
		"ListenPort": "51820",
		"Jc":         "4",
		"H4":         "444",
		"PrivateKey": "c2VydmVyLXByaXZhdGU=",
		"Missing":    "",
	} {
		if got := f.InterfaceValue(name); got != want {
			t.Errorf("InterfaceValue(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestAllowedIPsIncludesDisabledPeers(t *testing.T) {
	f := Parse(sample + "\n[Peer]\nPublicKey = carol=\nAllowedIPs = 10.8.1.4/32, 10.8.1.5/32\n")
	want := []string{"10.8.1.2/32", "10.8.1.3/32", "10.8.1.4/32", "10.8.1.5/32"}
	if diff := cmp.Diff(want, f.AllowedIPs()); diff != "" {
		t.Fatalf("AllowedIPs mismatch (-want +got):\n%s", diff)
	}
}

func TestToggleRoundTrip(t *testing.T) {
	f := Parse(sample)

	if !f.SetPeerEnabled("alice=", false) {
		t.Fatal("disabling alice reported no change")
	}
	if f.SetPeerEnabled("alice=", false) {
		t.Fatal("disabling alice twice reported a change")
	}
	lines := f.Lines()
	for i := 14; i <= 17; i++ {
		if !strings.HasPrefix(lines[i], "#") || strings.HasPrefix(lines[i], "##") {
			t.Fatalf("line %d = %q, want exactly one comment marker", i, lines[i])
		}
	}
	if enabled, found := f.PeerEnabled("alice="); !found || enabled {
		t.Fatalf("PeerEnabled(alice) = %v, %v", enabled, found)
	}

	if !f.SetPeerEnabled("alice=", true) {
		t.Fatal("enabling alice reported no change")
	}
	if f.SetPeerEnabled("alice=", true) {
		t.Fatal("enabling alice twice reported a change")
	}
	if got := f.String(); got != sample {
		t.Fatalf("toggle round trip mismatch (-want +got):\n%s", cmp.Diff(sample, got))
	}
}

func TestEnableDisabledPeer(t *testing.T) {
	f := Parse(sample)
	if !f.SetPeerEnabled("bob=", true) {
		t.Fatal("enabling bob reported no change")
	}
	want := strings.Replace(sample, "#[Peer]\n#PublicKey = bob=\n#PresharedKey = psk2=\n#AllowedIPs = 10.8.1.3/32",
		"[Peer]\nPublicKey = bob=\nPresharedKey = psk2=\nAllowedIPs = 10.8.1.3/32", 1)
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestToggleRefusesUnexpectedShape(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  string
	}{
		{
			name: "swapped fields",
			text: "[Interface]\nListenPort = 1\n\n[Peer]\nPublicKey = k=\nAllowedIPs = 10.8.1.2/32\nPresharedKey = p=\n",
			key:  "k=",
		},
		{
			name: "missing preshared key",
			text: "[Interface]\nListenPort = 1\n\n[Peer]\nPublicKey = k=\nAllowedIPs = 10.8.1.2/32\n",
			key:  "k=",
		},
		{
			name: "key under interface header",
			text: "[Interface]\nPublicKey = k=\nPresharedKey = p=\nAllowedIPs = 10.8.1.2/32\n",
			key:  "k=",
		},
		{
			name: "peer directly after interface header",
			text: "[Interface]\n[Peer]\nPublicKey = k=\nPresharedKey = p=\nAllowedIPs = 10.8.1.2/32\n",
			key:  "k=",
		},
		{
			name: "no interface section",
			text: "[Peer]\nPublicKey = k=\nPresharedKey = p=\nAllowedIPs = 10.8.1.2/32\n",
			key:  "k=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Parse(tt.text)
			if f.SetPeerEnabled(tt.key, false) {
				t.Fatal("toggle reported a change")
			}
			if got := f.String(); got != tt.text {
				t.Fatalf("file modified (-want +got):\n%s", cmp.Diff(tt.text, got))
			}
		})
	}
}

func TestInsertPeer(t *testing.T) {
	f := Parse(strings.TrimSuffix(sample, "\n"))
	f.InsertPeer("carol=", "psk3=", "10.8.1.4/32")
	want := sample + "\n[Peer]\nPublicKey = carol=\nPresharedKey = psk3=\nAllowedIPs = 10.8.1.4/32\n\n"
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	f.InsertPeer("dave=", "psk4=", "10.8.1.5/32")
	want += "[Peer]\nPublicKey = dave=\nPresharedKey = psk4=\nAllowedIPs = 10.8.1.5/32\n\n"
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("second insert mismatch (-want +got):\n%s", diff)
	}

	if !f.SetPeerEnabled("dave=", false) {
		t.Fatal("inserted peer cannot be toggled")
	}
}

func TestFieldCorrectionsKeepCommentState(t *testing.T) {
	f := Parse(sample)
	if !f.SetPeerKey("bob=", "bob2=") {
		t.Fatal("SetPeerKey reported no change")
	}
	if f.SetPeerKey("bob2=", "bob2=") {
		t.Fatal("SetPeerKey with same key reported a change")
	}
	if !f.SetPeerAllowedIPs("bob2=", "10.8.1.9/32") {
		t.Fatal("SetPeerAllowedIPs reported no change")
	}
	if f.SetPeerAllowedIPs("bob2=", "10.8.1.9/32") {
		t.Fatal("SetPeerAllowedIPs with same value reported a change")
	}
	lines := f.Lines()
	if lines[20] != "#PublicKey = bob2=" || lines[22] != "#AllowedIPs = 10.8.1.9/32" {
		t.Fatalf("unexpected lines: %q, %q", lines[20], lines[22])
	}
}

func TestRemoveOrphans(t *testing.T) {
	text := sample + `
[Peer]
PublicKey = carol=
PresharedKey = psk3=
AllowedIPs = 10.8.1.4/32


#[Peer]
#PublicKey = eve=
#PresharedKey = psk5=
#AllowedIPs = 10.8.1.6/32
#Endpoint = 1.2.3.4:51820

[Peer]
PublicKey = dave=
PresharedKey = psk4=
AllowedIPs = 10.8.1.5/32
`
	known := map[string]bool{"alice=": true, "bob=": true, "dave=": true}
	f := Parse(text)
	removed := f.RemoveOrphans(func(k string) bool { return known[k] })

	if diff := cmp.Diff([]string{"carol=", "eve="}, removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	want := sample + `
[Peer]
PublicKey = dave=
PresharedKey = psk4=
AllowedIPs = 10.8.1.5/32
`
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if removed := f.RemoveOrphans(func(k string) bool { return known[k] }); removed != nil {
		t.Fatalf("second pass removed %v", removed)
	}
}

func TestRemoveOrphansKeepsCommentedKnownPeer(t *testing.T) {
	f := Parse(sample)
	removed := f.RemoveOrphans(func(k string) bool { return k == "bob=" })
	if diff := cmp.Diff([]string{"alice="}, removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if f.FindPeerLine("bob=") < 0 {
		t.Fatal("commented peer with a known key was removed")
	}
	if !strings.HasSuffix(f.String(), "\n") {
		t.Fatal("trailing newline lost")
	}
}

func TestRemovePeer(t *testing.T) {
	f := Parse(sample)
	if !f.RemovePeer("alice=") {
		t.Fatal("RemovePeer reported no change")
	}
	if f.RemovePeer("alice=") {
		t.Fatal("RemovePeer twice reported a change")
	}
	want := strings.Replace(sample, "[Peer]\nPublicKey = alice=\nPresharedKey = psk1=\nAllowedIPs = 10.8.1.2/32\n\n", "", 1)
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureInterfaceEnabled(t *testing.T) {
	text := "#[Interface]\n#ListenPort = 51820\n# keep this note\n\n[Peer]\nPublicKey = a=\n"
	f := Parse(text)
	if !f.EnsureInterfaceEnabled() {
		t.Fatal("no change reported")
	}
	want := "[Interface]\nListenPort = 51820\n# keep this note\n\n[Peer]\nPublicKey = a=\n"
	if diff := cmp.Diff(want, f.String()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if f.EnsureInterfaceEnabled() {
		t.Fatal("second call reported a change")
	}
}
