package domain

import "testing"

func TestExtractAttributesCollectsPopulatedTriples(t *testing.T) {
	raw := map[string]any{
		"attribute_name_1":      "Color",
		"attribute_value_1":     "Red",
		"attribute_name_2":      "Length",
		"attribute_value_2":     float64(12),
		"attribute_value_uom_2": "in",
		"attribute_value_7":     "loose value",
		"sku":                   "100200",
	}

	attrs := ExtractAttributes(raw)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}

	if attrs[0].Name != "Color" || attrs[0].Value != "Red" || attrs[0].UOM != nil {
		t.Fatalf("unexpected first attribute: %+v", attrs[0])
	}
	if attrs[1].Name != "Length" {
		t.Fatalf("expected Length attribute, got %q", attrs[1].Name)
	}
	if attrs[1].UOM == nil || *attrs[1].UOM != "in" {
		t.Fatalf("expected uom in, got %v", attrs[1].UOM)
	}
	if attrs[2].Name != "" || attrs[2].Value != "loose value" {
		t.Fatalf("expected value-only attribute, got %+v", attrs[2])
	}
}

func TestExtractAttributesSkipsEmptyRows(t *testing.T) {
	raw := map[string]any{
		"attribute_name_1":  "",
		"attribute_value_1": "",
		"attribute_name_3":  nil,
	}
	if attrs := ExtractAttributes(raw); len(attrs) != 0 {
		t.Fatalf("expected no attributes, got %+v", attrs)
	}
}

func TestTruthItemAccessors(t *testing.T) {
	item := &TruthItem{Fields: map[string]any{
		TruthFieldStatus:       "A",
		TruthFieldPrice1:       12.5,
		TruthFieldTaxable:      "Y",
		TruthFieldDiscountable: "N",
		TruthFieldDescription:  "",
	}}

	if !item.Active() {
		t.Fatal("expected active item")
	}
	if price, ok := item.Number(TruthFieldPrice1); !ok || price != 12.5 {
		t.Fatalf("expected price 12.5, got %v ok=%v", price, ok)
	}
	if !item.Flag(TruthFieldTaxable) {
		t.Fatal("expected taxable flag set")
	}
	if item.Flag(TruthFieldDiscountable) {
		t.Fatal("expected discountable flag unset")
	}
	if _, ok := item.String(TruthFieldDescription); ok {
		t.Fatal("empty string field should not report present")
	}

	var nilItem *TruthItem
	if nilItem.Active() || nilItem.Flag(TruthFieldTaxable) {
		t.Fatal("nil item should report no fields")
	}
}
