package panel

import (
	"encoding/json"
	"fmt"
)

// FlowVision is the client flow required by vless inbounds behind reality.
const FlowVision = "xtls-rprx-vision"

// ClientStat is the panel's traffic record for one client label.
type ClientStat struct {
	Email string `json:"email"`
	Up    int64  `json:"up"`
	Down  int64  `json:"down"`
}

// Inbound is one entry of the inbound list. Settings and StreamSettings
// are JSON documents encoded as strings, as the panel returns them.
type Inbound struct {
	ID             int          `json:"id"`
	Remark         string       `json:"remark"`
	Enable         bool         `json:"enable"`
	Port           int          `json:"port"`
	Protocol       string       `json:"protocol"`
	Settings       string       `json:"settings"`
	StreamSettings string       `json:"streamSettings"`
	ClientStats    []ClientStat `json:"clientStats"`
}

// Client is a panel client record as stored in the inbound settings.
type Client struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Flow       string `json:"flow"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	// TgID is a string on older panels and a number on newer ones.
	TgID  any    `json:"tgId"`
	SubID string `json:"subId"`
}

type inboundSettings struct {
	Clients []Client `json:"clients"`
}

// Clients decodes the client list from the inbound settings.
func (in *Inbound) Clients() ([]Client, error) {
	if in.Settings == "" {
		return nil, nil
	}
	var s inboundSettings
	if err := json.Unmarshal([]byte(in.Settings), &s); err != nil {
		return nil, fmt.Errorf("panel: inbound %d settings: %w", in.ID, err)
	}
	return s.Clients, nil
}

// ClientByEmail returns the client with the given label.
func (in *Inbound) ClientByEmail(email string) (Client, bool, error) {
	clients, err := in.Clients()
	if err != nil {
		return Client{}, false, err
	}
	for _, c := range clients {
		if c.Email == email {
			return c, true, nil
		}
	}
	return Client{}, false, nil
}

// Traffic returns up+down per client label.
func (in *Inbound) Traffic() map[string]int64 {
	m := make(map[string]int64, len(in.ClientStats))
	for _, s := range in.ClientStats {
		if s.Email == "" {
			continue
		}
		m[s.Email] = s.Up + s.Down
	}
	return m
}

// Stream decodes the stream settings into a generic document.
func (in *Inbound) Stream() (map[string]any, error) {
	stream := map[string]any{}
	if in.StreamSettings == "" {
		return stream, nil
	}
	if err := json.Unmarshal([]byte(in.StreamSettings), &stream); err != nil {
		return nil, fmt.Errorf("panel: inbound %d stream settings: %w", in.ID, err)
	}
	return stream, nil
}

// Reality reports whether the inbound uses reality security.
func (in *Inbound) Reality() bool {
	stream, err := in.Stream()
	if err != nil {
		return false
	}
	sec, _ := stream["security"].(string)
	return sec == "reality"
}

// Flow returns the flow new clients of this inbound need.
func (in *Inbound) Flow() string {
	if in.Protocol == "vless" && in.Reality() {
		return FlowVision
	}
	return ""
}

// NewClient builds a fresh enabled client record for this inbound.
func (in *Inbound) NewClient(uuid, email string, limitIP int, expiryMillis int64) Client {
	return Client{
		ID:         uuid,
		Email:      email,
		Flow:       in.Flow(),
		LimitIP:    limitIP,
		ExpiryTime: expiryMillis,
		Enable:     true,
		TgID:       "",
	}
}
