package ocrclient

import "regexp"

// assetPattern matches CDN asset URLs of the shape
// ".../asset/{ASSET_ID}" or ".../asset/{ASSET_ID}/{variant}".
var assetPattern = regexp.MustCompile(`^(.*/asset/[^/]+)(?:/[^/]+)?$`)

// VariantURLs computes the primary (medium, ~1288px) and fallback
// (unscaled) candidate URLs for a CDN asset URL per the variant rule. If
// cdnURL does not match the asset pattern, primary is cdnURL unchanged and
// there is no fallback.
func VariantURLs(cdnURL string) (primary, fallback string, hasFallback bool) {
	m := assetPattern.FindStringSubmatch(cdnURL)
	if m == nil {
		return cdnURL, "", false
	}
	base := m[1]
	return base + "/medium", base, true
}
