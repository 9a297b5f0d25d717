// Package parser extracts structured product data from free-text message
// captions. Parsing is pure and deterministic: the same caption always yields
// the same ParsedContent apart from the metadata timestamp, and Parse never
// returns an error to the caller.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parsing methods recorded in ParsingMetadata.Method.
const (
	MethodManual = "manual"
	MethodAI     = "ai"
)

// ConfidenceThreshold is the minimum manual-parse confidence below which an
// AI-assisted pass may be attempted by the caller.
const ConfidenceThreshold = 0.75

// Quantity pattern identifiers, in precedence order. The first matching
// pattern wins and is recorded in ParsingMetadata.QuantityPattern.
const (
	QtyPatternExplicit      = "explicit_prefix"
	QtyPatternX             = "x_affixed"
	QtyPatternUnit          = "unit_suffixed"
	QtyPatternParenthetical = "parenthetical"
	QtyPatternApproximate   = "approximate"
	QtyPatternBare          = "bare_number"
)

// ParsingMetadata describes how a caption was parsed and how much of it was
// understood.
type ParsingMetadata struct {
	Method          string    `json:"method"`
	Timestamp       time.Time `json:"timestamp"`
	PartialSuccess  bool      `json:"partial_success"`
	MissingFields   []string  `json:"missing_fields,omitempty"`
	QuantityPattern string    `json:"quantity_pattern,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Approximate     bool      `json:"approximate,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// ParsedContent is the structured result of parsing one caption.
type ParsedContent struct {
	ProductName  string          `json:"product_name,omitempty"`
	ProductCode  string          `json:"product_code,omitempty"`
	VendorUID    string          `json:"vendor_uid,omitempty"`
	PurchaseDate string          `json:"purchase_date,omitempty"`
	Quantity     *int            `json:"quantity,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Metadata     ParsingMetadata `json:"parsing_metadata"`
}

var (
	productCodeRe = regexp.MustCompile(`#([A-Za-z0-9-]+)`)
	codeQtyTailRe = regexp.MustCompile(`^([A-Za-z0-9-]*?)[xX](\d+)$`)
	vendorUIDRe   = regexp.MustCompile(`^[A-Za-z]{1,4}`)
	dateTailRe    = regexp.MustCompile(`(\d{5,6})$`)

	qtyExplicitRe = regexp.MustCompile(`(?i)\b(?:qty|quantity)\s*[:=]?\s*(\d+)\b`)
	qtyXRe        = regexp.MustCompile(`(?i)(?:\bx\s*(\d+)\b|\b(\d+)\s*x\b)`)
	qtyUnitRe     = regexp.MustCompile(`(?i)\b(\d+)\s*(?:pcs|pieces|units)\b`)
	qtyParenRe    = regexp.MustCompile(`\(\s*(\d+)\s*\)`)
	qtyApproxRe   = regexp.MustCompile(`(?i)(?:~\s*(\d+)\b|\babout\s+(\d+)\b)`)
	qtyBareRe     = regexp.MustCompile(`(?:^|\s)(\d+)(?:\s|$)`)

	notesParenRe = regexp.MustCompile(`\(([^)]*[^)\s\d][^)]*)\)`)
)

// quantityConfidence maps each quantity pattern to the confidence it carries.
var quantityConfidence = map[string]float64{
	QtyPatternExplicit:      1.0,
	QtyPatternX:             0.9,
	QtyPatternUnit:          0.9,
	QtyPatternParenthetical: 0.7,
	QtyPatternApproximate:   0.6,
	QtyPatternBare:          0.4,
}

// Parse extracts structured product fields from a caption. It never fails: a
// blank caption yields a result whose metadata carries an error and nothing
// else. Field extraction is ordered and first-match-wins per field.
func Parse(caption string) ParsedContent {
	result := ParsedContent{
		Metadata: ParsingMetadata{
			Method:    MethodManual,
			Timestamp: time.Now().UTC(),
		},
	}

	trimmed := strings.TrimSpace(caption)
	if trimmed == "" {
		result.Metadata.Error = "empty caption"
		return result
	}

	var missing []string
	consumed := make([]string, 0, 4)

	// Product name: text before the first '#' or newline.
	name := trimmed
	if idx := strings.IndexAny(trimmed, "#\n"); idx >= 0 {
		name = trimmed[:idx]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		// Fall back to the full caption but flag the field as missing so
		// downstream consumers know the name was not delimited.
		name = trimmed
		missing = append(missing, "product_name")
	} else {
		consumed = append(consumed, name)
	}
	result.ProductName = name

	// Product code: '#' followed by alphanumerics and dashes. A quantity tail
	// such as "AB12521x3" is split off the raw match and kept as an x-pattern
	// quantity candidate.
	var xTailQty string
	if m := productCodeRe.FindStringSubmatch(trimmed); m != nil {
		code := m[1]
		if tail := codeQtyTailRe.FindStringSubmatch(code); tail != nil && tail[1] != "" {
			code = tail[1]
			xTailQty = tail[2]
		}
		result.ProductCode = code
		consumed = append(consumed, m[0])
	} else {
		missing = append(missing, "product_code")
	}

	// Vendor UID: leading 1-4 letters of the product code, upper-cased.
	if result.ProductCode != "" {
		if m := vendorUIDRe.FindString(result.ProductCode); m != "" {
			result.VendorUID = strings.ToUpper(m)
		} else {
			missing = append(missing, "vendor_uid")
		}
	} else {
		missing = append(missing, "vendor_uid")
	}

	// Purchase date: trailing 5-6 digit run of the code read as mDDyy/mmDDyy.
	if result.ProductCode != "" {
		if date, ok := decodePurchaseDate(result.ProductCode); ok {
			result.PurchaseDate = date
		} else {
			missing = append(missing, "purchase_date")
		}
	} else {
		missing = append(missing, "purchase_date")
	}

	// Quantity: fixed precedence list, first match wins.
	qty, pattern, matched := extractQuantity(trimmed, xTailQty)
	if matched != "" {
		consumed = append(consumed, matched)
	}
	if pattern != "" {
		result.Quantity = &qty
		result.Metadata.QuantityPattern = pattern
		result.Metadata.Approximate = pattern == QtyPatternApproximate
	} else {
		missing = append(missing, "quantity")
	}

	// Notes: parenthetical content, else leftover text.
	if m := notesParenRe.FindStringSubmatch(trimmed); m != nil {
		result.Notes = strings.TrimSpace(m[1])
		consumed = append(consumed, m[0])
	} else if leftover := stripConsumed(trimmed, consumed); leftover != "" {
		result.Notes = leftover
	}

	result.Metadata.MissingFields = missing
	result.Metadata.PartialSuccess = len(missing) > 0 && result.ProductName != ""
	result.Metadata.Confidence = confidence(result, missing)
	return result
}

// extractQuantity runs the quantity precedence list over the caption.
// xTailQty is a candidate split off the product code (e.g. "AB12521x3") and
// participates at the x-pattern tier. Returns the quantity, the winning
// pattern name, and the matched substring.
func extractQuantity(caption, xTailQty string) (int, string, string) {
	if m := qtyExplicitRe.FindStringSubmatch(caption); m != nil {
		return atoi(m[1]), QtyPatternExplicit, m[0]
	}
	if xTailQty != "" {
		return atoi(xTailQty), QtyPatternX, "x" + xTailQty
	}
	if m := qtyXRe.FindStringSubmatch(caption); m != nil {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		return atoi(v), QtyPatternX, m[0]
	}
	if m := qtyUnitRe.FindStringSubmatch(caption); m != nil {
		return atoi(m[1]), QtyPatternUnit, m[0]
	}
	if m := qtyParenRe.FindStringSubmatch(caption); m != nil {
		return atoi(m[1]), QtyPatternParenthetical, m[0]
	}
	if m := qtyApproxRe.FindStringSubmatch(caption); m != nil {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		return atoi(v), QtyPatternApproximate, m[0]
	}
	if m := qtyBareRe.FindStringSubmatch(caption); m != nil {
		return atoi(m[1]), QtyPatternBare, strings.TrimSpace(m[0])
	}
	return 0, "", ""
}

// decodePurchaseDate reads the trailing 5-6 digit run of a product code as a
// mDDyy/mmDDyy date. A 5-digit run is padded with a leading zero. Runs whose
// month or day components are out of range, or that fail calendar validation,
// are rejected.
func decodePurchaseDate(code string) (string, bool) {
	m := dateTailRe.FindStringSubmatch(code)
	if m == nil {
		return "", false
	}
	digits := m[1]
	if len(digits) == 5 {
		digits = "0" + digits
	}

	month := atoi(digits[0:2])
	day := atoi(digits[2:4])
	year := 2000 + atoi(digits[4:6])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Year() != year || d.Month() != time.Month(month) || d.Day() != day {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

// stripConsumed removes already-matched substrings from the caption and
// returns whatever meaningful text remains.
func stripConsumed(caption string, consumed []string) string {
	rest := caption
	for _, c := range consumed {
		rest = strings.Replace(rest, c, " ", 1)
	}
	rest = strings.Trim(rest, " \t\n#()")
	return strings.TrimSpace(rest)
}

// confidence scores a manual parse between 0 and 1. Core fields weigh the
// most; a matched quantity contributes the confidence of its pattern tier.
func confidence(result ParsedContent, missing []string) float64 {
	score := 1.0
	for _, f := range missing {
		switch f {
		case "product_name", "product_code":
			score -= 0.3
		case "vendor_uid", "purchase_date":
			score -= 0.1
		case "quantity":
			score -= 0.2
		}
	}
	if result.Metadata.QuantityPattern != "" {
		if c, ok := quantityConfidence[result.Metadata.QuantityPattern]; ok && c < score {
			score = c + (score-c)*0.5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
