// ABOUTME: DNS-SD instance name escaping
// ABOUTME: Protects dots and backslashes so display names survive browsing intact
package discovery

import (
	"fmt"
	"strings"
)

// Escape encodes a display name as a DNS-SD instance label. Dots and
// backslashes are backslash-escaped and bytes outside printable ASCII become
// three-digit decimal escapes, so the label boundary in a browsed name is
// always the first unescaped dot.
func Escape(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.':
			b.WriteString(`\.`)
		case c == '\\':
			b.WriteString(`\\`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\%03d`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape decodes a DNS-SD instance label. A backslash before '\' or '.'
// yields that literal; a backslash before exactly three decimal digits
// yields the byte with that value; any other backslash is kept literally.
func Unescape(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(label) && (label[i+1] == '\\' || label[i+1] == '.') {
			b.WriteByte(label[i+1])
			i++
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v := int(label[i+1]-'0')*100 + int(label[i+2]-'0')*10 + int(label[i+3]-'0')
			if v <= 0xff {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
