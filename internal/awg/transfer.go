package awg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/bigbes/awg-xui-reconciler/internal/executor"
)

// TransferSource reports the raw cumulative rx+tx byte counter of every
// peer, keyed by public key. Counters restart from zero when the daemon
// restarts.
type TransferSource interface {
	Transfers(ctx context.Context) (map[string]int64, error)
}

// ExecTransfers reads counters with `wg show <iface> transfer`.
type ExecTransfers struct {
	exec  executor.Executor
	iface string
}

// NewExecTransfers creates a TransferSource that shells out through exec.
func NewExecTransfers(exec executor.Executor, iface string) *ExecTransfers {
	return &ExecTransfers{exec: exec, iface: iface}
}

func (t *ExecTransfers) Transfers(ctx context.Context) (map[string]int64, error) {
	out, err := t.exec.Run(ctx, "wg show "+t.iface+" transfer")
	if err != nil {
		return nil, fmt.Errorf("awg: reading transfers: %w", err)
	}
	return ParseTransfers(out), nil
}

// ParseTransfers parses `wg show transfer` output: one
// "<key>\t<rx>\t<tx>" line per peer. Lines whose counters do not parse are
// left out, so the caller treats those peers as having no data.
func ParseTransfers(out string) map[string]int64 {
	m := make(map[string]int64)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		rx, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || rx < 0 {
			continue
		}
		tx, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || tx < 0 {
			continue
		}
		m[fields[0]] = rx + tx
	}
	return m
}

type deviceReader interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WgctrlTransfers reads counters from the kernel or a userspace UAPI socket
// through wgctrl. It only works when the daemon's interface is visible to
// this process, i.e. with the local executor.
type WgctrlTransfers struct {
	iface string
	open  func() (deviceReader, error)
}

// NewWgctrlTransfers creates a wgctrl-backed TransferSource.
func NewWgctrlTransfers(iface string) *WgctrlTransfers {
	return &WgctrlTransfers{
		iface: iface,
		open: func() (deviceReader, error) {
			c, err := wgctrl.New()
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

func (t *WgctrlTransfers) Transfers(_ context.Context) (map[string]int64, error) {
	client, err := t.open()
	if err != nil {
		return nil, fmt.Errorf("awg: opening wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(t.iface)
	if err != nil {
		return nil, fmt.Errorf("awg: reading device %s: %w", t.iface, err)
	}
	m := make(map[string]int64, len(dev.Peers))
	for _, p := range dev.Peers {
		m[p.PublicKey.String()] = p.ReceiveBytes + p.TransmitBytes
	}
	return m, nil
}
