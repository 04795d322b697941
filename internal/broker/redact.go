package broker

import "strings"

// MaskKey redacts a secret for logging, keeping only the first and last
// rune:
//
//	""     -> ""
//	"a"    -> "*"
//	"ab"   -> "a*"
//	"abcd" -> "a**d"
func MaskKey(s string) string {
	rs := []rune(s)
	switch len(rs) {
	case 0:
		return ""
	case 1:
		return "*"
	case 2:
		return string(rs[0]) + "*"
	default:
		return string(rs[0]) + strings.Repeat("*", len(rs)-2) + string(rs[len(rs)-1])
	}
}

// MaskKeys masks each item of a separator-joined secret list individually,
// preserving separators and item formatting.
func MaskKeys(s string, separator string) string {
	if s == "" {
		return ""
	}
	if separator != "" && strings.Contains(s, separator) {
		parts := strings.Split(s, separator)
		masked := make([]string, 0, len(parts))
		for _, p := range parts {
			masked = append(masked, MaskKey(p))
		}
		return strings.Join(masked, separator)
	}
	return MaskKey(s)
}
