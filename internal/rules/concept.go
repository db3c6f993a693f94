package rules

import (
	"strings"
	"unicode"

	"github.com/JakeFAU/regwatch/internal/model"
)

// ConceptSlug names the concept a pointer describes. A value type already prefixed with
// its domain is used as is, so vat/vat_rate becomes vat_rate.
func ConceptSlug(domain, valueType string) string {
	d, v := slugPart(domain), slugPart(valueType)
	switch {
	case d == "":
		return v
	case v == "":
		return d
	case v == d, strings.HasPrefix(v, d+"_"):
		return v
	default:
		return d + "_" + v
	}
}

func slugPart(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

var tierSuffixes = []struct {
	suffix string
	tier   model.RiskTier
}{
	{"_rate", model.TierT0},
	{"_percent", model.TierT0},
	{"deadline", model.TierT1},
	{"_date", model.TierT1},
	{"threshold", model.TierT1},
	{"_amount", model.TierT2},
}

// DefaultTier infers a risk tier from a value type. Rates are T0 and statutory dates
// and thresholds T1; anything unrecognized is T2.
func DefaultTier(valueType string) model.RiskTier {
	vt := slugPart(valueType)
	for _, s := range tierSuffixes {
		if strings.HasSuffix(vt, s.suffix) || vt == strings.TrimPrefix(s.suffix, "_") {
			return s.tier
		}
	}
	return model.TierT2
}
