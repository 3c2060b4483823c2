package domain

// TruthItem is an item record returned by the truth system (the Counterpoint
// IM_ITEM payload). The upstream schema is wide and loosely typed, so the
// record keeps the decoded JSON object and exposes typed accessors for the
// fields the unifier reads.
type TruthItem struct {
	Fields map[string]any
}

// Truth system field names read by the product unifier.
const (
	TruthFieldItemNo             = "ITEM_NO"
	TruthFieldDescription        = "DESCR"
	TruthFieldStatus             = "STAT"
	TruthFieldPrice1             = "PRC_1"
	TruthFieldPreferredUnitPrice = "PREF_UNIT_PRC_1"
	TruthFieldTaxable            = "IS_TXBL"
	TruthFieldIsEcommItem        = "IS_ECOMM_ITEM"
	TruthFieldDiscountable       = "IS_DISCNTBL"
	TruthFieldEcommDiscountable  = "ECOMM_ITEM_IS_DISCNTBL"
	TruthFieldBrand              = "PROF_ALPHA_3"
	TruthFieldModel              = "PROF_ALPHA_4"
	TruthFieldStockUnit          = "STK_UNIT"
	TruthFieldPreferredUnitName  = "PREF_UNIT_NAM"
	TruthFieldCategoryCode       = "CATEG_COD"
	TruthFieldSubcategoryCode    = "SUBCAT_COD"
	TruthFieldBarcode            = "BARCOD"
	TruthFieldWeight             = "WEIGHT"
)

// StatusActive is the STAT value marking an item as active in the truth system.
const StatusActive = "A"

// String returns the named field when it is a non-empty string.
func (t *TruthItem) String(name string) (string, bool) {
	if t == nil {
		return "", false
	}
	s, ok := t.Fields[name].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Number returns the named field when it carries a JSON number.
func (t *TruthItem) Number(name string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	switch v := t.Fields[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Flag reports whether the named field holds the upstream "Y" marker.
func (t *TruthItem) Flag(name string) bool {
	s, ok := t.String(name)
	return ok && s == "Y"
}

// Active reports whether the item status marks it as active.
func (t *TruthItem) Active() bool {
	s, _ := t.String(TruthFieldStatus)
	return s == StatusActive
}
