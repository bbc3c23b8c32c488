package ocrclient

import "testing"

func TestVariantURLs(t *testing.T) {
	tests := []struct {
		name         string
		cdnURL       string
		wantPrimary  string
		wantFallback string
		wantHasFB    bool
	}{
		{
			name:         "bare asset URL",
			cdnURL:       "https://cdn.arke.institute/asset/ABC123",
			wantPrimary:  "https://cdn.arke.institute/asset/ABC123/medium",
			wantFallback: "https://cdn.arke.institute/asset/ABC123",
			wantHasFB:    true,
		},
		{
			name:         "asset URL with existing variant",
			cdnURL:       "https://cdn.arke.institute/asset/ABC123/large",
			wantPrimary:  "https://cdn.arke.institute/asset/ABC123/medium",
			wantFallback: "https://cdn.arke.institute/asset/ABC123",
			wantHasFB:    true,
		},
		{
			name:        "non-matching URL",
			cdnURL:      "https://example.com/some/other/path.png",
			wantPrimary: "https://example.com/some/other/path.png",
			wantHasFB:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, fallback, hasFB := VariantURLs(tt.cdnURL)
			if primary != tt.wantPrimary {
				t.Errorf("primary = %q, want %q", primary, tt.wantPrimary)
			}
			if hasFB != tt.wantHasFB {
				t.Errorf("hasFallback = %v, want %v", hasFB, tt.wantHasFB)
			}
			if hasFB && fallback != tt.wantFallback {
				t.Errorf("fallback = %q, want %q", fallback, tt.wantFallback)
			}
		})
	}
}
