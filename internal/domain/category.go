package domain

import "strings"

// CategoryPattern maps a storefront category name to the case-insensitive
// substring pattern matched against the bulk catalog's category title column.
type CategoryPattern struct {
	Name    string
	Pattern string
}

// DefaultCategoryPatterns returns the fixed storefront category table. Each
// entry matches the category title with an ILIKE %Name% pattern.
func DefaultCategoryPatterns() []CategoryPattern {
	names := []string{
		"Building", "Materials", "Tools", "Hardware",
		"Plumbing", "Electrical", "Flooring", "Roofing",
		"Gutters", "Paint", "Decor", "Safety",
		"Workwear", "Landscaping", "Outdoor", "HVAC",
	}
	patterns := make([]CategoryPattern, 0, len(names))
	for _, name := range names {
		patterns = append(patterns, CategoryPattern{Name: name, Pattern: "%" + name + "%"})
	}
	return patterns
}

// FindCategoryPattern locates a category by name. Lookup is case sensitive;
// category names are exact storefront identifiers.
func FindCategoryPattern(patterns []CategoryPattern, name string) (CategoryPattern, bool) {
	name = strings.TrimSpace(name)
	for _, p := range patterns {
		if p.Name == name {
			return p, true
		}
	}
	return CategoryPattern{}, false
}
