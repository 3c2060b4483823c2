package domain

import "testing"

func TestDefaultCategoryPatterns(t *testing.T) {
	patterns := DefaultCategoryPatterns()
	if len(patterns) != 16 {
		t.Fatalf("expected 16 categories, got %d", len(patterns))
	}
	for _, p := range patterns {
		if p.Pattern != "%"+p.Name+"%" {
			t.Fatalf("category %s has pattern %s", p.Name, p.Pattern)
		}
	}
}

func TestFindCategoryPattern(t *testing.T) {
	patterns := DefaultCategoryPatterns()

	p, ok := FindCategoryPattern(patterns, "HVAC")
	if !ok || p.Pattern != "%HVAC%" {
		t.Fatalf("expected HVAC pattern, got %+v ok=%v", p, ok)
	}

	if _, ok := FindCategoryPattern(patterns, "  Paint  "); !ok {
		t.Fatal("expected lookup to trim surrounding whitespace")
	}

	if _, ok := FindCategoryPattern(patterns, "Appliances"); ok {
		t.Fatal("unknown category should not resolve")
	}
	if _, ok := FindCategoryPattern(patterns, "hvac"); ok {
		t.Fatal("lookup is case sensitive")
	}
}
