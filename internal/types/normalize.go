package types

import (
	"strings"
	"unicode"
)

// normalizeToken strips all whitespace and lowercases the input so that
// alias lookups tolerate spacing and case differences, including the
// Cyrillic labels used by the historical data.
func normalizeToken(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// categoryAliases maps historical human labels to canonical category codes.
// Normalization is the only place free-text category input is accepted.
var categoryAliases = map[string]TicketCategory{
	"pc":        CategoryPC,
	"пк":        CategoryPC,
	"computer":  CategoryPC,
	"компьютер": CategoryPC,
	"tv":        CategoryTV,
	"тв":        CategoryTV,
	"телевизор": CategoryTV,
	"phone":     CategoryPhone,
	"telephone": CategoryPhone,
	"телефон":   CategoryPhone,
	"printer":   CategoryPrinter,
	"принтер":   CategoryPrinter,
	"other":     CategoryOther,
	"другое":    CategoryOther,
}

// adSourceAliases maps historical human labels to canonical ad-source codes.
var adSourceAliases = map[string]AdSource{
	"avito":         AdSourceAvito,
	"авито":         AdSourceAvito,
	"leaflet":       AdSourceLeaflet,
	"flyer":         AdSourceLeaflet,
	"листовка":      AdSourceLeaflet,
	"businesscard":  AdSourceBusinessCard,
	"business_card": AdSourceBusinessCard,
	"card":          AdSourceBusinessCard,
	"визитка":       AdSourceBusinessCard,
	"other":         AdSourceOther,
	"другое":        AdSourceOther,
	"unknown":       AdSourceUnknown,
	"неизвестно":    AdSourceUnknown,
}

// ParseTicketCategory normalizes a machine code or any known human label
// to a canonical category. Unknown or empty input maps to OTHER.
func ParseTicketCategory(value string) TicketCategory {
	if c := TicketCategory(value); c.IsValid() {
		return c
	}
	token := normalizeToken(value)
	if token == "" {
		return CategoryOther
	}
	if c, ok := categoryAliases[token]; ok {
		return c
	}
	return CategoryOther
}

// ParseAdSource normalizes a machine code or any known human label to a
// canonical ad source. Unknown or empty input maps to UNKNOWN.
func ParseAdSource(value string) AdSource {
	if a := AdSource(value); a.IsValid() {
		return a
	}
	token := normalizeToken(value)
	if token == "" {
		return AdSourceUnknown
	}
	if a, ok := adSourceAliases[token]; ok {
		return a
	}
	return AdSourceUnknown
}

// NormalizePhone keeps digits only, preserving one leading plus when the
// raw input starts with it.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits != "" && strings.HasPrefix(strings.TrimSpace(raw), "+") {
		return "+" + digits
	}
	return digits
}

// PhoneDigits strips every non-digit character, including a leading plus,
// and folds the Russian trunk prefix: an 11-digit number starting with 8
// keys the same as its +7 form, so repeat detection and search match
// either spelling.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}
	return digits
}

// IsValidPhone reports whether a normalized phone has 7 to 15 digits.
func IsValidPhone(phone string) bool {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
