package wgconf

import "strings"

// SetPeerEnabled comments out (enabled=false) or restores (enabled=true) the
// peer block holding key. It returns whether any line changed.
//
// The block must have the shape [Peer] / PublicKey / PresharedKey /
// AllowedIPs; anything else is left alone. A block that is not preceded by
// a complete [Interface] section is left alone as well, so the interface
// header can never be commented out. At most one '#' is added or removed
// per line.
func (f *File) SetPeerEnabled(key string, enabled bool) bool {
	b, ok := f.Peer(key)
	if !ok || !f.hasPeerShape(b) || !f.afterInterface(b) {
		return false
	}

	changed := false
	for i := b.Start; i < b.End; i++ {
		line := f.lines[i]
		switch {
		case enabled && strings.HasPrefix(line, "#"):
			f.lines[i] = line[1:]
			changed = true
		case !enabled && !strings.HasPrefix(line, "#"):
			f.lines[i] = "#" + line
			changed = true
		}
	}
	return changed
}

// PeerEnabled reports whether the peer block holding key exists and is not
// commented out.
func (f *File) PeerEnabled(key string) (enabled, found bool) {
	b, ok := f.Peer(key)
	if !ok {
		return false, false
	}
	return !b.Disabled, true
}

func (f *File) hasPeerShape(b Block) bool {
	if b.KeyLine != b.Start+1 || b.End-b.Start < 4 {
		return false
	}
	psk, _, _, ok1 := parseField(f.lines[b.Start+2])
	aip, _, _, ok2 := parseField(f.lines[b.Start+3])
	return ok1 && ok2 && psk == "PresharedKey" && aip == "AllowedIPs"
}

func (f *File) afterInterface(b Block) bool {
	if b.Start == 0 {
		return false
	}
	if section, _, ok := parseHeader(f.lines[b.Start-1]); ok && section == "Interface" {
		return false
	}
	for _, other := range f.Blocks() {
		if other.Kind == KindInterface {
			return other.End <= b.Start
		}
	}
	return false
}

// InsertPeer appends a new enabled peer block followed by a blank line.
func (f *File) InsertPeer(key, psk, allowedIP string) {
	lines := f.lines
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) != "" {
		lines = append(lines, "")
	}
	f.lines = append(lines,
		"[Peer]",
		"PublicKey = "+key,
		"PresharedKey = "+psk,
		"AllowedIPs = "+allowedIP,
		"",
		"",
	)
}

// SetPeerKey replaces the PublicKey of the peer block holding oldKey,
// keeping its comment state.
func (f *File) SetPeerKey(oldKey, newKey string) bool {
	if oldKey == newKey {
		return false
	}
	i := f.FindPeerLine(oldKey)
	if i < 0 {
		return false
	}
	f.lines[i] = commentPrefix(f.lines[i]) + "PublicKey = " + newKey
	return true
}

// SetPeerAllowedIPs rewrites the AllowedIPs line of the peer block holding
// key when it differs from allowedIP.
func (f *File) SetPeerAllowedIPs(key, allowedIP string) bool {
	b, ok := f.Peer(key)
	if !ok {
		return false
	}
	for i := b.Start + 1; i < b.End; i++ {
		name, value, _, _ := parseField(f.lines[i])
		if name != "AllowedIPs" {
			continue
		}
		if value == allowedIP {
			return false
		}
		f.lines[i] = commentPrefix(f.lines[i]) + "AllowedIPs = " + allowedIP
		return true
	}
	return false
}

// RemovePeer deletes the peer block holding key together with the blank
// lines following it.
func (f *File) RemovePeer(key string) bool {
	b, ok := f.Peer(key)
	if !ok {
		return false
	}
	f.removeRanges([]Block{b})
	return true
}

// RemoveOrphans deletes every peer block none of whose PublicKey lines
// satisfies known. It returns the first key of each removed block ("" for a
// block without a key), in file order.
func (f *File) RemoveOrphans(known func(key string) bool) []string {
	var orphans []Block
	for _, b := range f.Peers() {
		keep := false
		for _, k := range b.Keys {
			if known(k) {
				keep = true
				break
			}
		}
		if !keep {
			orphans = append(orphans, b)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	f.removeRanges(orphans)
	removed := make([]string, len(orphans))
	for i, b := range orphans {
		removed[i] = b.PublicKey
	}
	return removed
}

// removeRanges deletes blocks (sorted by Start) plus their trailing blank
// lines, last to first so earlier indices stay valid.
func (f *File) removeRanges(blocks []Block) {
	hadNewline := len(f.lines) > 0 && f.lines[len(f.lines)-1] == ""
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		end := b.End
		for end < len(f.lines) && strings.TrimSpace(f.lines[end]) == "" {
			end++
		}
		f.lines = append(f.lines[:b.Start], f.lines[end:]...)
	}
	if hadNewline && (len(f.lines) == 0 || f.lines[len(f.lines)-1] != "") {
		f.lines = append(f.lines, "")
	}
}

// EnsureInterfaceEnabled strips a comment marker from the [Interface]
// section header and its lines. It returns whether anything changed.
func (f *File) EnsureInterfaceEnabled() bool {
	changed := false
	for _, b := range f.Blocks() {
		if b.Kind != KindInterface || !b.Disabled {
			continue
		}
		for i := b.Start; i < b.End; i++ {
			line := f.lines[i]
			if !strings.HasPrefix(line, "#") {
				continue
			}
			_, _, _, isField := parseField(line)
			_, _, isHeader := parseHeader(line)
			if isField || isHeader {
				f.lines[i] = line[1:]
				changed = true
			}
		}
	}
	return changed
}

func commentPrefix(line string) string {
	if strings.HasPrefix(line, "#") {
		return "#"
	}
	return ""
}
