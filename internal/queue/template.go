package queue

import (
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/foxzi/smsqueue/internal/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// RenderTemplate substitutes contact fields into tmpl.
// Known tokens with an empty field render as "", unknown tokens stay as written.
func RenderTemplate(tmpl string, c *models.Contact) string {
	if c == nil {
		c = &models.Contact{}
	}

	fields := map[string]string{
		"firstName":    c.FirstName,
		"lastName":     c.LastName,
		"fullName":     strings.TrimSpace(c.FirstName + " " + c.LastName),
		"phoneNumber":  c.PhoneNumber,
		"email":        c.Email,
		"company":      c.Company,
		"customField1": c.CustomField1,
		"customField2": c.CustomField2,
		"customField3": c.CustomField3,
	}

	return tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := tokenPattern.FindStringSubmatch(token)[1]
		if v, ok := fields[name]; ok {
			return v
		}
		return token
	})
}

// GSM 03.38 alphabets
const (
	gsmBasic    = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	gsmExtended = "\f^{}\\[~]|€"
)

// SegmentCount returns the number of SMS parts needed to carry content.
// GSM-7 fits 160 characters in one part and 153 per part when split;
// anything outside the GSM alphabet is sent as UCS-2 with 70 and 67.
func SegmentCount(content string) int {
	if units, ok := gsmLength(content); ok {
		return parts(units, 160, 153)
	}
	return parts(len(utf16.Encode([]rune(content))), 70, 67)
}

func gsmLength(content string) (int, bool) {
	n := 0
	for _, r := range content {
		switch {
		case strings.ContainsRune(gsmBasic, r):
			n++
		case strings.ContainsRune(gsmExtended, r):
			n += 2
		default:
			return 0, false
		}
	}
	return n, true
}

func parts(units, single, multi int) int {
	if units <= single {
		return 1
	}
	return (units + multi - 1) / multi
}
