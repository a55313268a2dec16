package domain

import "testing"

func TestRangeContains(t *testing.T) {
	r := Range{Min: -5, Max: 5}
	tests := []struct {
		value float64
		want  bool
	}{
		{-5, true},
		{5, true},
		{0, true},
		{4.99, true},
		{-5.01, false},
		{8, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.value); got != tt.want {
			t.Fatalf("Contains(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestDefaultDimension(t *testing.T) {
	cfg := DefaultDimension("overall")
	if cfg.Range.Min != 1 || cfg.Range.Max != 5 {
		t.Fatalf("default range = %s, want 1..5", cfg.Range)
	}
	if !cfg.AllowRerate || !cfg.AllowFractional {
		t.Fatalf("default policy should allow rerate and fractional values: %+v", cfg)
	}
}

func TestDimensionNormalize(t *testing.T) {
	integer := DimensionConfig{Name: "quality", Range: Range{Min: -5, Max: 5}}
	fractional := DefaultDimension("overall")
	tests := []struct {
		cfg   DimensionConfig
		value float64
		want  float64
	}{
		{integer, 3.9, 3},
		{integer, -3.9, -3},
		{integer, 5, 5},
		{fractional, 3.9, 3.9},
	}
	for _, tt := range tests {
		if got := tt.cfg.Normalize(tt.value); got != tt.want {
			t.Fatalf("%s.Normalize(%v) = %v, want %v", tt.cfg.Name, tt.value, got, tt.want)
		}
	}
}

func TestRaterString(t *testing.T) {
	r := Rater{Kind: "user", ID: "42"}
	if r.String() != "user:42" {
		t.Fatalf("String() = %q, want user:42", r.String())
	}
}
