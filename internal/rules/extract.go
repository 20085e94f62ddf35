package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"

	"github.com/hazyhaar/domrec/record"
)

// splitPath turns "items[0].price" into jsonparser keys.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var keys []string
	for _, part := range strings.Split(strings.TrimPrefix(path, "$."), ".") {
		name, rest, _ := strings.Cut(part, "[")
		if name != "" {
			keys = append(keys, name)
		}
		for rest != "" {
			idx, after, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, fmt.Errorf("unterminated index in %q", part)
			}
			if _, err := strconv.Atoi(idx); err != nil {
				return nil, fmt.Errorf("bad index %q", idx)
			}
			keys = append(keys, "["+idx+"]")
			rest = strings.TrimPrefix(after, "[")
		}
	}
	return keys, nil
}

// jsonPath extracts the value at keys from a JSON document. Strings are
// returned unquoted, other values as their JSON text.
func jsonPath(doc string, keys []string) string {
	v, typ, _, err := jsonparser.Get([]byte(doc), keys...)
	if err != nil {
		return ""
	}
	if typ == jsonparser.String {
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return string(v)
		}
		return s
	}
	if typ == jsonparser.Null {
		return ""
	}
	return string(v)
}

var (
	symbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY", "₹": "INR", "₩": "KRW"}
	isoCode = regexp.MustCompile(`\b[A-Z]{3}\b`)
	amount  = regexp.MustCompile(`-?[0-9][0-9.,' ]*`)
)

// parseCurrency reads a displayed price such as "$1,234.50", "12,50 €" or
// "EUR 7". It returns the amount rounded to three decimals followed by the
// ISO code, or "" when no amount is found.
func parseCurrency(text string, def currency.Unit) string {
	unit := def
	if m := isoCode.FindString(text); m != "" {
		if u, err := currency.ParseISO(m); err == nil {
			unit = u
		}
	} else {
		for sym, code := range symbols {
			if strings.Contains(text, sym) {
				unit = currency.MustParseISO(code)
				break
			}
		}
	}
	raw := strings.TrimSpace(amount.FindString(text))
	if raw == "" {
		return ""
	}
	f, ok := parseAmount(raw)
	if !ok {
		return ""
	}
	out := record.Round(f)
	if unit != (currency.Unit{}) {
		out += " " + unit.String()
	}
	return out
}

// parseAmount accepts both "1,234.50" and "1.234,50" groupings.
func parseAmount(s string) (float64, bool) {
	s = strings.NewReplacer(" ", "", "'", "").Replace(s)
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastComma > lastDot:
		// Comma is the decimal mark when it is followed by 1 or 2 digits.
		if len(s)-lastComma-1 <= 2 {
			s = strings.ReplaceAll(s[:lastComma], ".", "") + "." + s[lastComma+1:]
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// number reads the leading numeric field of v.
func number(v string) (float64, bool) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	return f, err == nil
}

var strict = bluemonday.StrictPolicy()

// NetworkBody reduces a network body to what rules match against: markup is
// stripped to its text content, everything else passes through.
func NetworkBody(contentType, body string) string {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") || strings.Contains(ct, "xml") ||
		(ct == "" && strings.HasPrefix(strings.TrimSpace(body), "<")) {
		return strings.Join(strings.Fields(strict.Sanitize(body)), " ")
	}
	return body
}
