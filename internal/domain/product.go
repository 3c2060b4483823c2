package domain

import (
	"fmt"
	"time"
)

// BulkProduct is a supplier catalog row from the orgill_products table. Slot
// fields mirror the hyphenated import columns; optional columns are pointers.
type BulkProduct struct {
	SKU                      string
	UPCCode                  *string
	BrandName                *string
	ModelNumber              *string
	CategoryCode             *string
	CategoryTitleDescription *string
	OnlineTitleDescription   *string
	OnlineLongDescription    *string
	Subcategory              *string
	Unit                     *string
	Weight                   *float64
	Taxable                  *bool
	Price                    *float64
	Images                   []string
	Documents                []string
	Attributes               []ProductAttribute
	Raw                      map[string]any
}

// ProductAttribute is one of the up-to-50 attribute triples on a bulk row.
type ProductAttribute struct {
	Name  string  `json:"name"`
	Value any     `json:"value"`
	UOM   *string `json:"uom,omitempty"`
}

// ExtractAttributes collects the attribute_name_N/attribute_value_N/
// attribute_value_uom_N triples from a raw bulk row. A triple is kept when any
// of its three slots is populated.
func ExtractAttributes(raw map[string]any) []ProductAttribute {
	var attrs []ProductAttribute
	for i := 1; i <= 50; i++ {
		name, hasName := nonEmpty(raw[fmt.Sprintf("attribute_name_%d", i)])
		value := raw[fmt.Sprintf("attribute_value_%d", i)]
		uom, hasUOM := nonEmpty(raw[fmt.Sprintf("attribute_value_uom_%d", i)])
		hasValue := value != nil && value != ""
		if !hasName && !hasValue && !hasUOM {
			continue
		}
		attr := ProductAttribute{Name: name}
		if hasValue {
			attr.Value = value
		}
		if hasUOM {
			u := uom
			attr.UOM = &u
		}
		attrs = append(attrs, attr)
	}
	return attrs
}

func nonEmpty(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ProductDocument is a named document attachment on the unified product view.
// URL is populated only when a signed link could be produced.
type ProductDocument struct {
	Name string  `json:"name"`
	URL  *string `json:"url,omitempty"`
}

// EcommerceFlags carries the truth system's e-commerce publication flags.
type EcommerceFlags struct {
	IsEcomm      bool `json:"isEcomm"`
	Discountable bool `json:"discountable"`
}

// UnifiedProduct is the merged per-SKU view combining the bulk catalog row and
// the truth system record. Nil pointer fields mean neither source had a value.
type UnifiedProduct struct {
	SKU              string             `json:"sku"`
	UPC              *string            `json:"upc"`
	Brand            *string            `json:"brand"`
	Model            *string            `json:"model"`
	Title            *string            `json:"title"`
	LongDescription  *string            `json:"longDescription"`
	ShortDescription *string            `json:"shortDescription"`
	Category         *string            `json:"category"`
	Subcategory      *string            `json:"subcategory"`
	Price            *float64           `json:"price"`
	Unit             *string            `json:"unit"`
	Weight           *float64           `json:"weight"`
	Taxable          *bool              `json:"taxable"`
	Availability     *string            `json:"availability"`
	EcommerceFlags   EcommerceFlags     `json:"ecommerceFlags"`
	Images           []string           `json:"images"`
	Documents        []ProductDocument  `json:"documents"`
	Attributes       []ProductAttribute `json:"attributes"`
	Raw              UnifiedProductRaw  `json:"raw"`
}

// UnifiedProductRaw preserves the untouched source payloads on the merged view.
type UnifiedProductRaw struct {
	Bulk        map[string]any `json:"orgill,omitempty"`
	TruthSystem map[string]any `json:"counterpoint,omitempty"`
}

// CategoryCount is a materialized per-category reconciliation row.
type CategoryCount struct {
	CategoryName            string     `json:"categoryName"`
	ItemCount               int        `json:"itemCount"`
	TotalInBulkSource       int        `json:"totalInOrgill"`
	AvailableInTruthSystem  int        `json:"availableInCounterpoint"`
	WithValidImages         int        `json:"withValidImages"`
	CalculationNotes        string     `json:"calculationNotes"`
	IsCalculating           bool       `json:"isCalculating"`
	CalculatingSince        *time.Time `json:"calculatingSince,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// CalculationResult is the outcome of one category reconciliation run.
type CalculationResult struct {
	CategoryName           string   `json:"categoryName"`
	TotalInBulkSource      int      `json:"totalInOrgill"`
	AvailableInTruthSystem int      `json:"availableInCounterpoint"`
	WithValidImages        int      `json:"withValidImages"`
	FinalCount             int      `json:"finalCount"`
	Notes                  []string `json:"notes"`
}

// CandidateItem is the minimal per-SKU projection the reconciliation pipeline
// pulls from the bulk catalog: the key plus the primary image slot.
type CandidateItem struct {
	SKU      string
	ImageURL *string
}
