package panel

import (
	"encoding/json"
	"fmt"
)

// Local SOCKS listener of the rendered client config.
const (
	socksListen = "127.0.0.1"
	socksPort   = 10808
)

type xrayConfig struct {
	Inbounds  []xrayInbound  `json:"inbounds"`
	Log       xrayLog        `json:"log"`
	Outbounds []xrayOutbound `json:"outbounds"`
}

type xrayInbound struct {
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	Protocol string         `json:"protocol"`
	Settings map[string]any `json:"settings"`
}

type xrayLog struct {
	LogLevel string `json:"loglevel"`
}

type xrayOutbound struct {
	Protocol       string             `json:"protocol"`
	Settings       xrayOutboundConfig `json:"settings"`
	StreamSettings map[string]any     `json:"streamSettings"`
}

type xrayOutboundConfig struct {
	Vnext []xrayServer `json:"vnext"`
}

type xrayServer struct {
	Address string     `json:"address"`
	Port    int        `json:"port"`
	Users   []xrayUser `json:"users"`
}

type xrayUser struct {
	Encryption string `json:"encryption"`
	Flow       string `json:"flow"`
	ID         string `json:"id"`
}

// ClientConfig renders the xray client configuration for a panel client:
// a local SOCKS inbound and one outbound to serverAddress on the inbound's
// port. Reality settings are rewritten into their client-side form.
func ClientConfig(in *Inbound, clientUUID, serverAddress string) (string, error) {
	stream, err := in.Stream()
	if err != nil {
		return "", err
	}
	protocol := in.Protocol
	if protocol == "" {
		protocol = "vless"
	}
	if sec, _ := stream["security"].(string); sec == "reality" {
		reality, _ := stream["realitySettings"].(map[string]any)
		stream["realitySettings"] = clientReality(reality)
	}
	flow := ""
	if protocol == "vless" && in.Reality() {
		flow = FlowVision
	}

	cfg := xrayConfig{
		Inbounds: []xrayInbound{{
			Listen:   socksListen,
			Port:     socksPort,
			Protocol: "socks",
			Settings: map[string]any{"udp": true},
		}},
		Log: xrayLog{LogLevel: "error"},
		Outbounds: []xrayOutbound{{
			Protocol: protocol,
			Settings: xrayOutboundConfig{Vnext: []xrayServer{{
				Address: serverAddress,
				Port:    in.Port,
				Users:   []xrayUser{{Encryption: "none", Flow: flow, ID: clientUUID}},
			}}},
			StreamSettings: stream,
		}},
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("panel: rendering client config: %w", err)
	}
	return string(out), nil
}

// clientReality keeps only what a client needs from the server-side
// reality settings: the first server name and short id, never the
// private key.
func clientReality(server map[string]any) map[string]any {
	if server == nil {
		server = map[string]any{}
	}
	inner, _ := server["settings"].(map[string]any)
	if inner == nil {
		inner = server
	}
	pick := func(key, fallback string) string {
		if v, _ := server[key].(string); v != "" {
			return v
		}
		if v, _ := inner[key].(string); v != "" {
			return v
		}
		return fallback
	}
	first := func(listKey, innerKey string) string {
		if list, _ := server[listKey].([]any); len(list) > 0 {
			if v, ok := list[0].(string); ok {
				return v
			}
		}
		v, _ := inner[innerKey].(string)
		return v
	}
	return map[string]any{
		"fingerprint": pick("fingerprint", "chrome"),
		"publicKey":   pick("publicKey", ""),
		"serverName":  first("serverNames", "serverName"),
		"shortId":     first("shortIds", "shortId"),
		"spiderX":     "",
	}
}
