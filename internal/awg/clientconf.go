package awg

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

// obfuscationKeys are the AmneziaWG interface parameters a client must
// mirror, in the order clients expect them.
var obfuscationKeys = []string{"Jc", "Jmin", "Jmax", "S1", "S2", "H1", "H2", "H3", "H4"}

// ClientParams are the per-client inputs of a tunnel client config.
type ClientParams struct {
	Address         string
	PrivateKey      string
	DNS             []string
	Itime           string
	I1              string
	ServerPublicKey string
	PresharedKey    string
	ServerAddress   string
}

// RenderClientConfig renders the client side of a peer. Obfuscation
// parameters and the listen port come from the server interface file.
func RenderClientConfig(server *wgconf.File, p ClientParams) (string, error) {
	port := server.InterfaceValue("ListenPort")
	if port == "" {
		return "", errors.New("awg: interface file has no ListenPort")
	}
	if p.ServerAddress == "" {
		return "", errors.New("awg: server address is not configured")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", p.Address)
	if len(p.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(p.DNS, ", "))
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	for _, k := range obfuscationKeys {
		if v := server.InterfaceValue(k); v != "" {
			fmt.Fprintf(&b, "%s = %s\n", k, v)
		}
	}
	if p.Itime != "" {
		fmt.Fprintf(&b, "Itime = %s\n", p.Itime)
	}
	if p.I1 != "" {
		fmt.Fprintf(&b, "I1 = %s\n", p.I1)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s\n", net.JoinHostPort(p.ServerAddress, port))
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String(), nil
}
