// Package wgconf reads and edits the tunnel daemon's interface file
// (wg0.conf) without losing anything it does not understand.
//
// The file is kept as its original line list. Blocks are typed views over
// line ranges: the [Interface] section, [Peer] sections (a peer whose header
// is commented out is disabled), and opaque runs of anything else. Every
// mutation edits lines inside a block, so unmodified content round-trips
// byte for byte.
package wgconf

import (
	"strings"
)

// Kind is the type of a Block.
type Kind int

const (
	KindOpaque Kind = iota
	KindInterface
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindPeer:
		return "peer"
	default:
		return "opaque"
	}
}

// Block is a typed view of the line range [Start, End).
type Block struct {
	Kind     Kind
	Start    int
	End      int
	Disabled bool

	// Peer fields, set for KindPeer. KeyLine is -1 when the block has no
	// PublicKey line.
	KeyLine      int
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
	// Keys holds every PublicKey value in the block, in order.
	Keys []string
}

// File is a parsed interface file.
type File struct {
	lines []string
}

// Parse splits text into lines. It never fails: content that is not a
// recognised section becomes an opaque block.
func Parse(text string) *File {
	return &File{lines: strings.Split(text, "\n")}
}

// String joins the lines back. For an unmodified file it returns exactly the
// parsed text.
func (f *File) String() string {
	return strings.Join(f.lines, "\n")
}

// Bytes renders the file for writing; the result always ends with a newline.
func (f *File) Bytes() []byte {
	s := f.String()
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return []byte(s)
}

// Lines returns a copy of the line list.
func (f *File) Lines() []string {
	return append([]string(nil), f.lines...)
}

// Clone returns an independent copy.
func (f *File) Clone() *File {
	return &File{lines: f.Lines()}
}

// Blocks scans the line list into typed blocks covering every line.
func (f *File) Blocks() []Block {
	var blocks []Block
	opaqueStart := -1
	flushOpaque := func(end int) {
		if opaqueStart >= 0 && opaqueStart < end {
			blocks = append(blocks, Block{Kind: KindOpaque, Start: opaqueStart, End: end, KeyLine: -1})
		}
		opaqueStart = -1
	}

	for i := 0; i < len(f.lines); {
		section, commented, ok := parseHeader(f.lines[i])
		switch {
		case ok && section == "Interface":
			flushOpaque(i)
			end := i + 1
			for end < len(f.lines) && strings.TrimSpace(f.lines[end]) != "" {
				if _, _, isHeader := parseHeader(f.lines[end]); isHeader {
					break
				}
				end++
			}
			blocks = append(blocks, Block{Kind: KindInterface, Start: i, End: end, Disabled: commented, KeyLine: -1})
			i = end
		case ok && section == "Peer":
			flushOpaque(i)
			b := Block{Kind: KindPeer, Start: i, Disabled: commented, KeyLine: -1}
			end := i + 1
			for end < len(f.lines) {
				name, value, _, isField := parseField(f.lines[end])
				if !isField {
					break
				}
				switch name {
				case "PublicKey":
					if b.KeyLine < 0 {
						b.KeyLine = end
						b.PublicKey = value
					}
					b.Keys = append(b.Keys, value)
				case "PresharedKey":
					b.PresharedKey = value
				case "AllowedIPs":
					b.AllowedIPs = value
				}
				end++
			}
			b.End = end
			blocks = append(blocks, b)
			i = end
		default:
			if opaqueStart < 0 {
				opaqueStart = i
			}
			i++
		}
	}
	flushOpaque(len(f.lines))
	return blocks
}

// Peers returns the peer blocks, enabled and disabled.
func (f *File) Peers() []Block {
	var out []Block
	for _, b := range f.Blocks() {
		if b.Kind == KindPeer {
			out = append(out, b)
		}
	}
	return out
}

// Peer returns the peer block whose PublicKey (commented or not) is key.
func (f *File) Peer(key string) (Block, bool) {
	if key == "" {
		return Block{}, false
	}
	for _, b := range f.Peers() {
		for _, k := range b.Keys {
			if k == key {
				return b, true
			}
		}
	}
	return Block{}, false
}

// FindPeerLine returns the index of the `PublicKey = key` line of a peer
// block, accepting a comment prefix, or -1.
func (f *File) FindPeerLine(key string) int {
	b, ok := f.Peer(key)
	if !ok {
		return -1
	}
	for i := b.Start + 1; i < b.End; i++ {
		if name, value, _, _ := parseField(f.lines[i]); name == "PublicKey" && value == key {
			return i
		}
	}
	return -1
}

// InterfaceValue returns the value of the first `name = value` line in the
// [Interface] section.
func (f *File) InterfaceValue(name string) string {
	for _, b := range f.Blocks() {
		if b.Kind != KindInterface {
			continue
		}
		for i := b.Start + 1; i < b.End; i++ {
			if n, v, _, ok := parseField(f.lines[i]); ok && n == name {
				return v
			}
		}
	}
	return ""
}

// AllowedIPs returns every address listed on an AllowedIPs line anywhere in
// the file, including commented-out peers.
func (f *File) AllowedIPs() []string {
	var out []string
	for _, line := range f.lines {
		name, value, _, ok := parseField(line)
		if !ok || name != "AllowedIPs" {
			continue
		}
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseHeader recognises `[Section]`, optionally prefixed by a single '#'.
func parseHeader(line string) (section string, commented, ok bool) {
	body := strings.TrimSpace(line)
	if strings.HasPrefix(body, "#") {
		body = strings.TrimSpace(body[1:])
		commented = true
	}
	if len(body) < 3 || body[0] != '[' || body[len(body)-1] != ']' {
		return "", false, false
	}
	return body[1 : len(body)-1], commented, true
}

// parseField recognises `Name = Value`, optionally prefixed by a single '#'.
func parseField(line string) (name, value string, commented, ok bool) {
	body := line
	if strings.HasPrefix(body, "#") {
		body = body[1:]
		commented = true
	}
	name, value, found := strings.Cut(strings.TrimSpace(body), "=")
	if !found {
		return "", "", false, false
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t[#") {
		return "", "", false, false
	}
	return name, strings.TrimSpace(value), commented, true
}
