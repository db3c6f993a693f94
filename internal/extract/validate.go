package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/JakeFAU/regwatch/internal/model"
)

// Claim is one atomic claim as proposed by the extraction agent.
type Claim struct {
	Domain          string     `json:"domain"`
	ValueType       string     `json:"value_type"`
	ExtractedValue  FlexString `json:"extracted_value"`
	ExactQuote      string     `json:"exact_quote"`
	ArticleNumber   string     `json:"article_number,omitempty"`
	ParagraphNumber string     `json:"paragraph_number,omitempty"`
	LawReference    string     `json:"law_reference,omitempty"`
	Confidence      float64    `json:"confidence"`
}

// FlexString accepts a JSON string or number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("extracted_value must be a string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// valueKind selects the deterministic check applied to a value type.
type valueKind int

const (
	kindText valueKind = iota
	kindPercent
	kindAmount
	kindDate
	kindCurrency
	kindCount
)

// valueKinds maps well-known value types to their check.
var valueKinds = map[string]valueKind{
	"vat_rate":          kindPercent,
	"vat_reduced_rate":  kindPercent,
	"tax_rate":          kindPercent,
	"interest_rate":     kindPercent,
	"contribution_rate": kindPercent,
	"percentage":        kindPercent,
	"threshold":         kindAmount,
	"amount":            kindAmount,
	"fine":              kindAmount,
	"deadline":          kindDate,
	"effective_date":    kindDate,
	"date":              kindDate,
	"currency":          kindCurrency,
	"currency_code":     kindCurrency,
	"deadline_days":     kindCount,
	"count":             kindCount,
}

// suffixKinds is consulted for value types not listed in valueKinds.
var suffixKinds = []struct {
	suffix string
	kind   valueKind
}{
	{"_rate", kindPercent},
	{"_percent", kindPercent},
	{"_amount", kindAmount},
	{"_threshold", kindAmount},
	{"_date", kindDate},
	{"_currency", kindCurrency},
	{"_days", kindCount},
}

func kindOf(valueType string) valueKind {
	vt := strings.ToLower(strings.TrimSpace(valueType))
	if k, ok := valueKinds[vt]; ok {
		return k
	}
	for _, s := range suffixKinds {
		if strings.HasSuffix(vt, s.suffix) {
			return s.kind
		}
	}
	return kindText
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"02.01.2006.",
	"02.01.2006",
	"2.1.2006.",
	"2.1.2006",
	"02/01/2006",
}

// Rejection explains why a claim was dead-lettered.
type Rejection struct {
	Reason model.RejectionReason
	Detail string
}

// Validate applies the deterministic checks to c. normalizedSource must already be
// passed through NormalizeQuote. A nil result means the claim is accepted.
func Validate(c Claim, normalizedSource string) *Rejection {
	switch {
	case strings.TrimSpace(c.Domain) == "":
		return &Rejection{model.RejectValidationFailed, "missing domain"}
	case strings.TrimSpace(c.ValueType) == "":
		return &Rejection{model.RejectValidationFailed, "missing value_type"}
	case strings.TrimSpace(string(c.ExtractedValue)) == "":
		return &Rejection{model.RejectValidationFailed, "missing extracted_value"}
	case c.Confidence < 0 || c.Confidence > 1 || math.IsNaN(c.Confidence):
		return &Rejection{model.RejectValidationFailed, fmt.Sprintf("confidence %v outside [0,1]", c.Confidence)}
	}
	if !QuoteMatches(c.ExactQuote, normalizedSource) {
		return &Rejection{model.RejectNoQuoteMatch, fmt.Sprintf("quote %q not found in source", c.ExactQuote)}
	}
	return checkValue(kindOf(c.ValueType), string(c.ExtractedValue))
}

func checkValue(kind valueKind, raw string) *Rejection {
	raw = strings.TrimSpace(raw)
	switch kind {
	case kindPercent:
		v, err := ParseNumber(raw)
		if err != nil {
			return &Rejection{model.RejectValidationFailed, err.Error()}
		}
		if v < 0 || v > 100 {
			return &Rejection{model.RejectOutOfRange, fmt.Sprintf("percentage %v outside [0,100]", v)}
		}
	case kindAmount:
		v, err := ParseNumber(raw)
		if err != nil {
			return &Rejection{model.RejectValidationFailed, err.Error()}
		}
		if v < 0 {
			return &Rejection{model.RejectOutOfRange, fmt.Sprintf("amount %v is negative", v)}
		}
	case kindCount:
		v, err := ParseNumber(raw)
		if err != nil {
			return &Rejection{model.RejectValidationFailed, err.Error()}
		}
		if v < 0 || v != math.Trunc(v) {
			return &Rejection{model.RejectOutOfRange, fmt.Sprintf("count %v is not a non-negative integer", v)}
		}
	case kindDate:
		if _, err := ParseDate(raw); err != nil {
			return &Rejection{model.RejectInvalidDate, err.Error()}
		}
	case kindCurrency:
		if _, err := currency.ParseISO(raw); err != nil {
			return &Rejection{model.RejectInvalidCurrency, fmt.Sprintf("%q is not an ISO 4217 code", raw)}
		}
	}
	return nil
}

// ParseDate accepts ISO dates and the dotted day-first forms used in official gazettes.
func ParseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// ParseNumber reads plain, percent-suffixed and locale-formatted numbers such as
// "25", "25 %", "13,5", "40.000" and "1.000,00". A lone comma is a decimal comma.
// Dots are thousands separators when every group after the first has three digits,
// so "40.000" is forty thousand while "13.5" and "0.125" stay decimals.
func ParseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.Join(strings.Fields(s), "")
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0 && lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot >= 0 && lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastDot >= 0:
		if grouped(s, '.') {
			s = strings.ReplaceAll(s, ".", "")
		}
	case lastComma >= 0:
		if grouped(s, ',') {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	return v, nil
}

// grouped reports whether sep splits s into thousands groups: a leading group of one
// to three digits not starting with zero, then groups of exactly three digits. A
// single comma never counts, since "1,500" reads as a decimal in local notation.
func grouped(s string, sep byte) bool {
	s = strings.TrimLeft(s, "+-")
	parts := strings.Split(s, string(sep))
	if len(parts) < 2 || (sep == ',' && len(parts) == 2) {
		return false
	}
	lead := parts[0]
	if len(lead) == 0 || len(lead) > 3 || lead[0] == '0' || !digits(lead) {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 || !digits(p) {
			return false
		}
	}
	return true
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// CanonicalValue renders an accepted value in a stable form so equal facts compare equal:
// numbers without locale formatting, dates as YYYY-MM-DD and upper-case currency codes.
func CanonicalValue(valueType, raw string) string {
	raw = strings.TrimSpace(raw)
	switch kindOf(valueType) {
	case kindPercent, kindAmount, kindCount:
		if v, err := ParseNumber(raw); err == nil {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	case kindDate:
		if t, err := ParseDate(raw); err == nil {
			return t.Format("2006-01-02")
		}
	case kindCurrency:
		return strings.ToUpper(raw)
	}
	return raw
}
