package redact

import (
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/vault"
)

// TokenStage keeps values that are already a placeholder or a token issued
// by v as they are, so redaction applied twice gives the same output. Live
// form input is never passed through: a user can type anything.
func TokenStage(v *vault.Vault) Stage {
	return func(s Subject) Decision {
		if s.Value == Placeholder {
			return Mask
		}
		if s.Source != FromInput && v != nil && v.Issued(s.Value) {
			return Public
		}
		return Continue
	}
}

// BlockStage masks any value whose node, or any ancestor across shadow
// boundaries, matches a block selector.
func BlockStage(sels []*dom.Selector) Stage {
	return func(s Subject) Decision {
		if s.Node == nil {
			return Continue
		}
		for _, sel := range sels {
			if dom.Closest(s.Node, sel) != nil {
				return Mask
			}
		}
		return Continue
	}
}

// EncryptStage encrypts values under an encrypt selector, values matching
// an encrypt pattern, and named fields listed in fields.
func EncryptStage(sels []*dom.Selector, patterns []*regexp.Regexp, fields []string) Stage {
	return func(s Subject) Decision {
		if s.Node != nil {
			for _, sel := range sels {
				if dom.Closest(s.Node, sel) != nil {
					return Encrypt
				}
			}
		}
		if s.Source == FromField && slices.Contains(fields, s.Name) {
			return Encrypt
		}
		for _, re := range patterns {
			if re.MatchString(s.Value) {
				return Encrypt
			}
		}
		return Continue
	}
}

var (
	sensitiveName = regexp.MustCompile(`(?i)(pass(word|wd)?|secret|token|ssn|social|card|cc-?(num|csc|exp)|cvv|cvc|iban|account|routing|pin|email|e-mail|phone|tel|mobile|birth|dob)`)
	creditCard    = regexp.MustCompile(`\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{1,7}\b`)
	ssn           = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)
	email         = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// HeuristicStage masks values that look sensitive: password fields, fields
// whose name, id or autocomplete hint names a financial or personal datum,
// Luhn-valid card numbers, SSNs and email addresses.
func HeuristicStage() Stage {
	return func(s Subject) Decision {
		switch s.Source {
		case FromInput:
			if sensitiveField(s.Node) {
				return Mask
			}
		case FromAttr:
			if s.Name == "value" && sensitiveField(s.Node) {
				return Mask
			}
		case FromField:
			if sensitiveName.MatchString(s.Name) {
				return Mask
			}
		}
		if sensitiveValue(s.Value) {
			return Mask
		}
		return Continue
	}
}

// heuristicAttrs are the element attributes HeuristicStage reads.
var heuristicAttrs = []string{"type", "name", "id", "autocomplete"}

func sensitiveField(n dom.Node) bool {
	if n == nil || n.Kind() != dom.ElementNode {
		return false
	}
	if strings.EqualFold(dom.AttrValue(n, "type"), "password") {
		return true
	}
	for _, a := range heuristicAttrs[1:] {
		if v := dom.AttrValue(n, a); v != "" && sensitiveName.MatchString(v) {
			return true
		}
	}
	return false
}

func sensitiveValue(v string) bool {
	if v == "" {
		return false
	}
	for _, m := range creditCard.FindAllString(v, -1) {
		if luhnValid(m) {
			return true
		}
	}
	return ssn.MatchString(v) || email.MatchString(v)
}

// luhnValid checks a 13 to 19 digit number with the Luhn algorithm.
func luhnValid(number string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}
