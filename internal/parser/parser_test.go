package parser_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/stockpilehq/stockpile/internal/parser"
)

func intPtr(v int) *int { return &v }

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		caption         string
		wantName        string
		wantCode        string
		wantVendor      string
		wantDate        string
		wantQty         *int
		wantQtyPattern  string
		wantNotes       string
		wantMissing     []string
		wantPartial     bool
		wantApproximate bool
	}{
		{
			name:           "full caption with x-affixed quantity on code",
			caption:        "Widget #AB12521x3 (blue)",
			wantName:       "Widget",
			wantCode:       "AB12521",
			wantVendor:     "AB",
			wantDate:       "2021-01-25",
			wantQty:        intPtr(3),
			wantQtyPattern: parser.QtyPatternX,
			wantNotes:      "blue",
		},
		{
			name:           "explicit quantity prefix wins over bare number",
			caption:        "Gadget #CD30222 qty: 5",
			wantName:       "Gadget",
			wantCode:       "CD30222",
			wantVendor:     "CD",
			wantDate:       "2022-03-02",
			wantQty:        intPtr(5),
			wantQtyPattern: parser.QtyPatternExplicit,
		},
		{
			name:           "standalone x quantity",
			caption:        "Box #EF10124 x 4",
			wantName:       "Box",
			wantCode:       "EF10124",
			wantVendor:     "EF",
			wantDate:       "2024-01-01",
			wantQty:        intPtr(4),
			wantQtyPattern: parser.QtyPatternX,
		},
		{
			name:           "unit-suffixed quantity",
			caption:        "Crate #GH20623 12 pcs",
			wantName:       "Crate",
			wantCode:       "GH20623",
			wantVendor:     "GH",
			wantDate:       "2023-02-06",
			wantQty:        intPtr(12),
			wantQtyPattern: parser.QtyPatternUnit,
		},
		{
			name:           "numeric parenthetical is quantity not notes",
			caption:        "Item #IJ10124 (3)",
			wantName:       "Item",
			wantCode:       "IJ10124",
			wantVendor:     "IJ",
			wantDate:       "2024-01-01",
			wantQty:        intPtr(3),
			wantQtyPattern: parser.QtyPatternParenthetical,
		},
		{
			name:            "approximate quantity sets the flag",
			caption:         "Stock #KL10124 ~12",
			wantName:        "Stock",
			wantCode:        "KL10124",
			wantVendor:      "KL",
			wantDate:        "2024-01-01",
			wantQty:         intPtr(12),
			wantQtyPattern:  parser.QtyPatternApproximate,
			wantApproximate: true,
		},
		{
			name:           "bare trailing number is lowest tier",
			caption:        "Thing #MN10124 7",
			wantName:       "Thing",
			wantCode:       "MN10124",
			wantVendor:     "MN",
			wantDate:       "2024-01-01",
			wantQty:        intPtr(7),
			wantQtyPattern: parser.QtyPatternBare,
		},
		{
			name:        "day out of range drops the date only",
			caption:     "Widget #XY13525 x2",
			wantName:    "Widget",
			wantCode:    "XY13525",
			wantVendor:  "XY",
			wantQty:     intPtr(2),
			wantMissing: []string{"purchase_date"},
			wantPartial: true,
			wantQtyPattern: parser.QtyPatternX,
		},
		{
			name:        "calendar-invalid date is rejected",
			caption:     "Widget #AB23025 x2",
			wantName:    "Widget",
			wantCode:    "AB23025",
			wantVendor:  "AB",
			wantQty:     intPtr(2),
			wantMissing: []string{"purchase_date"},
			wantPartial: true,
			wantQtyPattern: parser.QtyPatternX,
		},
		{
			name:        "code without leading letters has no vendor",
			caption:     "Widget #123-10124 x2",
			wantName:    "Widget",
			wantCode:    "123-10124",
			wantDate:    "2024-01-01",
			wantQty:     intPtr(2),
			wantMissing: []string{"vendor_uid"},
			wantPartial: true,
			wantQtyPattern: parser.QtyPatternX,
		},
		{
			name:        "caption starting with code keeps full text as name",
			caption:     "#AB12521",
			wantName:    "#AB12521",
			wantCode:    "AB12521",
			wantVendor:  "AB",
			wantDate:    "2021-01-25",
			wantMissing: []string{"product_name", "quantity"},
			wantPartial: true,
		},
		{
			name:        "no code caption yields name and notes only",
			caption:     "just a plain description",
			wantName:    "just a plain description",
			wantMissing: []string{"product_code", "vendor_uid", "purchase_date", "quantity"},
			wantPartial: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := parser.Parse(tt.caption)

			if got.ProductName != tt.wantName {
				t.Errorf("ProductName = %q, want %q", got.ProductName, tt.wantName)
			}
			if got.ProductCode != tt.wantCode {
				t.Errorf("ProductCode = %q, want %q", got.ProductCode, tt.wantCode)
			}
			if got.VendorUID != tt.wantVendor {
				t.Errorf("VendorUID = %q, want %q", got.VendorUID, tt.wantVendor)
			}
			if got.PurchaseDate != tt.wantDate {
				t.Errorf("PurchaseDate = %q, want %q", got.PurchaseDate, tt.wantDate)
			}
			switch {
			case tt.wantQty == nil && got.Quantity != nil:
				t.Errorf("Quantity = %d, want nil", *got.Quantity)
			case tt.wantQty != nil && got.Quantity == nil:
				t.Errorf("Quantity = nil, want %d", *tt.wantQty)
			case tt.wantQty != nil && *got.Quantity != *tt.wantQty:
				t.Errorf("Quantity = %d, want %d", *got.Quantity, *tt.wantQty)
			}
			if got.Metadata.QuantityPattern != tt.wantQtyPattern {
				t.Errorf("QuantityPattern = %q, want %q", got.Metadata.QuantityPattern, tt.wantQtyPattern)
			}
			if tt.wantNotes != "" && got.Notes != tt.wantNotes {
				t.Errorf("Notes = %q, want %q", got.Notes, tt.wantNotes)
			}
			if len(tt.wantMissing) == 0 {
				if len(got.Metadata.MissingFields) != 0 {
					t.Errorf("MissingFields = %v, want none", got.Metadata.MissingFields)
				}
			} else if !reflect.DeepEqual(got.Metadata.MissingFields, tt.wantMissing) {
				t.Errorf("MissingFields = %v, want %v", got.Metadata.MissingFields, tt.wantMissing)
			}
			if got.Metadata.PartialSuccess != tt.wantPartial {
				t.Errorf("PartialSuccess = %v, want %v", got.Metadata.PartialSuccess, tt.wantPartial)
			}
			if got.Metadata.Approximate != tt.wantApproximate {
				t.Errorf("Approximate = %v, want %v", got.Metadata.Approximate, tt.wantApproximate)
			}
			if got.Metadata.Method != parser.MethodManual {
				t.Errorf("Method = %q, want %q", got.Metadata.Method, parser.MethodManual)
			}
			if got.Metadata.Error != "" {
				t.Errorf("Metadata.Error = %q, want empty", got.Metadata.Error)
			}
		})
	}
}

func TestParseEmptyCaption(t *testing.T) {
	t.Parallel()

	for _, caption := range []string{"", "   ", "\n\t"} {
		got := parser.Parse(caption)
		if got.Metadata.Error == "" {
			t.Errorf("Parse(%q) expected metadata error, got none", caption)
		}
		if got.ProductName != "" || got.ProductCode != "" || got.Quantity != nil {
			t.Errorf("Parse(%q) extracted fields from blank caption: %+v", caption, got)
		}
		if got.Metadata.PartialSuccess {
			t.Errorf("Parse(%q) reported partial success on blank caption", caption)
		}
	}
}

func TestParseDeterministic(t *testing.T) {
	t.Parallel()

	const caption = "Widget #AB12521x3 (blue)"
	first := parser.Parse(caption)
	second := parser.Parse(caption)

	// The timestamp is the only permitted difference between runs.
	first.Metadata.Timestamp = time.Time{}
	second.Metadata.Timestamp = time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated parses differ:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestParseConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		caption   string
		wantBelow bool
	}{
		{
			name:    "complete caption clears the escalation threshold",
			caption: "Gadget #CD30222 qty: 5",
		},
		{
			name:    "x-affixed quantity stays above threshold",
			caption: "Widget #AB12521x3 (blue)",
		},
		{
			name:      "missing name and quantity lands below threshold",
			caption:   "#AB12521",
			wantBelow: true,
		},
		{
			name:      "code-free caption lands below threshold",
			caption:   "just a plain description",
			wantBelow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := parser.Parse(tt.caption)
			c := got.Metadata.Confidence
			if c < 0 || c > 1 {
				t.Fatalf("Confidence = %v, want within [0, 1]", c)
			}
			below := c < parser.ConfidenceThreshold
			if below != tt.wantBelow {
				t.Errorf("Confidence = %v, below threshold = %v, want %v", c, below, tt.wantBelow)
			}
		})
	}
}
