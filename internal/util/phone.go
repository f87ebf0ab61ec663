package util

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone returns p in E.164 form. Numbers without a country prefix are
// read in defaultRegion. Unparseable input is returned with spaces stripped.
func NormalizePhone(p, defaultRegion string) string {
	p = strings.TrimSpace(p)
	num, err := phonenumbers.Parse(p, strings.ToUpper(defaultRegion))
	if err != nil {
		return strings.ReplaceAll(p, " ", "")
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// GatewayNumber formats p the way the WhatsApp gateway expects it: country
// code and subscriber number as digits only.
func GatewayNumber(p, defaultRegion string) string {
	e164 := NormalizePhone(p, defaultRegion)
	var b strings.Builder
	for _, r := range e164 {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
