// Package protocol encodes and decodes msim packets: one line per packet,
// fields separated by '|', with '|', ',', '\\' and line breaks escaped by
// a backslash inside a field.
package protocol

import (
	"errors"
	"strings"
)

// Packet types the broker sends or expects from an msim server.
const (
	TypeAuth    = "auth"
	TypeMessage = "msg"
	TypeAck     = "ack"
	TypeAdd     = "add"
	TypeStatus  = "stat"
	TypeOnline  = "on"
	TypeOffline = "off"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeOK      = "ok"
	TypeFail    = "fail"
	TypeBye     = "bye"
)

var ErrInvalidPacket = errors.New("invalid packet format")

type Packet struct {
	Type   string
	Fields []string
}

// Field returns the i-th field after the type, or "" if absent.
func (p *Packet) Field(i int) string {
	if i < len(p.Fields) {
		return p.Fields[i]
	}
	return ""
}

// Parse splits a line into its type and unescaped fields.
func Parse(line string) (*Packet, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	parts := splitUnescaped(line, '|')
	pkt := &Packet{Type: Unescape(parts[0])}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, Unescape(part))
	}
	return pkt, nil
}

// SplitRaw separates the packet type from the rest of the line without
// touching the payload. List replies such as stat carry unescaped '|'
// and ',' separators and are decoded with SplitList.
func SplitRaw(line string) (pktType, payload string) {
	line = strings.TrimRight(line, "\r\n")
	pktType, payload, _ = strings.Cut(line, "|")
	return pktType, payload
}

// SplitList decodes a list payload: items separated by ',' and fields
// inside an item by '|', both unescaped.
func SplitList(payload string) [][]string {
	if payload == "" {
		return nil
	}
	var items [][]string
	for _, item := range splitUnescaped(payload, ',') {
		var fields []string
		for _, field := range splitUnescaped(item, '|') {
			fields = append(fields, Unescape(field))
		}
		items = append(items, fields)
	}
	return items
}

// Format builds a packet line, escaping every field.
func Format(pktType string, fields ...string) string {
	var b strings.Builder
	b.WriteString(Escape(pktType))
	for _, field := range fields {
		b.WriteByte('|')
		b.WriteString(Escape(field))
	}
	b.WriteByte('\n')
	return b.String()
}

// splitUnescaped splits s on delimiter, skipping delimiters preceded by a
// backslash. Escapes are left in place for Unescape.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		switch {
		case escape:
			escape = false
		case r == '\\':
			escape = true
		case r == delimiter:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	return append(parts, current.String())
}

func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	escape := false
	for _, r := range s {
		if !escape {
			if r == '\\' {
				escape = true
			} else {
				b.WriteRune(r)
			}
			continue
		}
		escape = false
		switch r {
		case '|', ',', '\\':
			b.WriteRune(r)
		case 'n':
			b.WriteRune('\n')
		case 'r':
			b.WriteRune('\r')
		default:
			// unknown escape, keep it verbatim
			b.WriteRune('\\')
			b.WriteRune(r)
		}
	}
	if escape {
		b.WriteRune('\\')
	}
	return b.String()
}

func Escape(s string) string {
	return escaper.Replace(s)
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	",", `\,`,
	"\n", `\n`,
	"\r", `\r`,
)
