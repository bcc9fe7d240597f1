package container

import "testing"

func TestVariantIsFallback(t *testing.T) {
	cases := []struct {
		v    Variant
		want bool
	}{
		{VariantPrimary, false},
		{"fallback-1", true},
		{"fallback-12", true},
		{"fallback-", false},
		{"secondary", false},
	}
	for _, tc := range cases {
		if got := tc.v.IsFallback(); got != tc.want {
			t.Errorf("IsFallback(%q) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestDefinitionValidateRejectsDuplicateVariants(t *testing.T) {
	d := &Definition{
		ID: "root_x",
		URLPatterns: []string{".*"},
		Selectors: []Selector{
			{Variant: VariantPrimary, CSS: ".a"},
			{Variant: VariantPrimary, CSS: ".b"},
		},
	}
	if err := d.validate(); err == nil {
		t.Fatal("expected error for duplicate primary variant")
	}
}

func TestDefinitionValidateRejectsUnknownOperation(t *testing.T) {
	d := &Definition{
		ID: "root_x",
		URLPatterns: []string{".*"},
		Selectors: []Selector{
			{Variant: VariantPrimary, CSS: ".a"},
		},
		Operations: []Operation{"hover"},
	}
	if err := d.validate(); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestDepth(t *testing.T) {
	if Depth("a") != 1 || Depth("a.b") != 2 || Depth("a.b.c") != 3 {
		t.Error("unexpected depth computation")
	}
}

func TestSupportsOperation(t *testing.T) {
	d := &Definition{Operations: []Operation{OpClick, OpExtract}}
	if !d.SupportsOperation(OpClick) || d.SupportsOperation(OpType) {
		t.Error("unexpected operation support")
	}
}
