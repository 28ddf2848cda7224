package mpesa

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

const timestampLayout = "20060102150405"

var ErrInvalidPhone = errors.New("mpesa: invalid phone number")

// Timestamp formats t the way the STK endpoint expects it.
func Timestamp(t time.Time) string { return t.UTC().Format(timestampLayout) }

// Password is base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + ts))
}

// NormalizePhone converts local and international forms to 2547XXXXXXXX / 2541XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	p := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(p, "+"):
		p = p[1:]
	case strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case !strings.HasPrefix(p, "254"):
		p = "254" + p
	}

	if len(p) != 12 || (p[3] != '7' && p[3] != '1') {
		return "", ErrInvalidPhone
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	return p, nil
}
