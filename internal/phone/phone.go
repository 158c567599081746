// Package phone normalises recipient phone numbers into the digits-only form
// the protocol layer expects for JID construction.
package phone

import "strings"

// Normalise strips every non-digit character from s and rewrites a leading
// "08" prefix to "628" (Indonesian local dialing convention to country
// code). Returns "" if the resulting digit string is shorter than 10 or
// longer than 15 digits.
func Normalise(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "08") {
		digits = "628" + digits[2:]
	}

	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return digits
}

// ToJID builds a protocol-addressable recipient identifier from an already
// normalised phone number.
func ToJID(normalised string) string {
	return normalised + "@s.whatsapp.net"
}
