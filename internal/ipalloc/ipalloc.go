// Package ipalloc hands out tunnel addresses from a reserved IPv4 range.
//
// Allocation is stateless: the used set is rebuilt from the interface file
// on every call, so callers must serialise allocate-then-write themselves.
package ipalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// ErrExhausted is returned when every address in the range is taken.
var ErrExhausted = errors.New("ipalloc: no free address in range")

// Range is a closed interval of IPv4 addresses. Addresses whose last octet
// is listed in Excluded are never handed out.
type Range struct {
	Start    netip.Addr
	End      netip.Addr
	Excluded []uint8
}

// DefaultRange is the tunnel daemon's client range.
func DefaultRange() Range {
	return Range{
		Start:    netip.MustParseAddr("10.8.1.2"),
		End:      netip.MustParseAddr("10.8.255.255"),
		Excluded: []uint8{0, 254, 255},
	}
}

// Validate checks that the range is a non-empty IPv4 interval.
func (r Range) Validate() error {
	if !r.Start.Is4() || !r.End.Is4() {
		return fmt.Errorf("ipalloc: range %s-%s is not IPv4", r.Start, r.End)
	}
	if r.End.Less(r.Start) {
		return fmt.Errorf("ipalloc: range end %s before start %s", r.End, r.Start)
	}
	return nil
}

// Next returns the first address of the range, as a /32, that is neither
// excluded nor listed in used. Entries of used may be addresses or
// prefixes; only the address part counts, and unparseable entries are
// ignored.
func (r Range) Next(used []string) (netip.Prefix, error) {
	if err := r.Validate(); err != nil {
		return netip.Prefix{}, err
	}

	taken := make(map[uint32]struct{}, len(used))
	for _, u := range used {
		if a, ok := parseAddr(u); ok {
			taken[toUint32(a)] = struct{}{}
		}
	}

	start, end := uint64(toUint32(r.Start)), uint64(toUint32(r.End))
	for n := start; n <= end; n++ {
		v := uint32(n)
		if slices.Contains(r.Excluded, uint8(v)) {
			continue
		}
		if _, ok := taken[v]; ok {
			continue
		}
		return netip.PrefixFrom(fromUint32(v), 32), nil
	}
	return netip.Prefix{}, ErrExhausted
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if addr, _, ok := strings.Cut(s, "/"); ok {
		s = addr
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, false
	}
	return a, true
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
