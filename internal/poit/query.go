package poit

import "strings"

const orgNumberDigits = 10

// DigitsOnly strips everything but ASCII digits from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatOrgNumber renders ten digits in the dashed NNNNNN-NNNN form.
// Inputs with fewer than ten digits are returned unchanged.
func FormatOrgNumber(digits string) string {
	if len(digits) < orgNumberDigits {
		return digits
	}
	return digits[:6] + "-" + digits[6:orgNumberDigits]
}

// IsOrgNumberQuery reports whether the query should be submitted through the
// organization-number field rather than the name field.
func IsOrgNumberQuery(query string) bool {
	return len(DigitsOnly(query)) >= orgNumberDigits
}

// BuildQueryVariants expands a raw query into the ordered list of search
// terms to try. The trimmed raw query always comes first since the order is
// also the retry order. A ten-digit query additionally yields the dashed and
// undashed org-number forms; a query containing letters yields a
// digits-stripped name-only form. Duplicates are removed, order preserved.
func BuildQueryVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	var variants []string
	if trimmed != "" {
		variants = append(variants, trimmed)
	}

	digits := DigitsOnly(trimmed)
	if len(digits) == orgNumberDigits {
		variants = append(variants, FormatOrgNumber(digits), digits)
	}

	if strings.ContainsFunc(trimmed, isLetter) {
		if nameOnly := stripDigitRuns(trimmed); nameOnly != "" {
			variants = append(variants, nameOnly)
		}
	}

	return dedupe(variants)
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func stripDigitRuns(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
