package parser

import (
	"encoding/base64"
	"fmt"
	"html"
)

// MarkerGenerator creates base64-encoded SVG images for map markers
type MarkerGenerator struct{}

func NewMarkerGenerator() *MarkerGenerator {
	return &MarkerGenerator{}
}

// Rent tier colors, cheapest first.
var tierColors = []string{
	"#2ECC71", // Green
	"#A3CB38", // Lime
	"#F1C40F", // Yellow
	"#E67E22", // Orange
	"#E74C3C", // Red
}

const noDataColor = "#6c757d"

// TierColor maps a rank (0 = cheapest) out of total ranked stations onto the
// tier palette. A negative rank means the station has no rent data.
func TierColor(rank, total int) string {
	if rank < 0 || total <= 0 {
		return noDataColor
	}
	if rank >= total {
		rank = total - 1
	}
	idx := rank * len(tierColors) / total
	return tierColors[idx]
}

// GenerateStationMarker creates a compact station pin labelled with the
// median rent, colored by its rank among the overlap stations.
func (g *MarkerGenerator) GenerateStationMarker(label string, rank, total int) string {
	color := TierColor(rank, total)

	svg := fmt.Sprintf(`<svg width="90" height="45" xmlns="http://www.w3.org/2000/svg">
  <!-- Background -->
  <rect width="90" height="45" fill="white" stroke="#dee2e6" stroke-width="1" rx="6"/>

  <!-- Pin -->
  <circle cx="18" cy="20" r="10" fill="%s"/>
  <circle cx="18" cy="20" r="4" fill="white"/>
  <polygon points="11,26 25,26 18,38" fill="%s"/>

  <!-- Label -->
  <rect x="34" y="14" width="50" height="14" fill="%s" rx="2"/>
  <text x="59" y="24" font-family="Arial, sans-serif" font-size="9" font-weight="bold" fill="white" text-anchor="middle">%s</text>
</svg>`, color, color, color, html.EscapeString(label))

	return encodeSVG(svg)
}

// anchorColor returns a stable color for an anchor name
func (g *MarkerGenerator) anchorColor(name string) string {
	hash := 0
	for _, char := range name {
		hash = int(char) + ((hash << 5) - hash)
	}

	hue := (hash%360 + 360) % 360
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", hue)
}

// GenerateAnchorBadge creates a badge for one of the two commute anchors,
// showing its number and travel budget.
func (g *MarkerGenerator) GenerateAnchorBadge(name string, index, budgetMinutes int) string {
	svg := fmt.Sprintf(`<svg width="100" height="24" xmlns="http://www.w3.org/2000/svg">
  <!-- Badge Background -->
  <rect width="100" height="24" fill="%s" rx="12"/>

  <!-- Text Content -->
  <text x="50" y="16" font-family="Arial, sans-serif" font-size="11" font-weight="bold"
        fill="white" text-anchor="middle">#%d %d min</text>
</svg>`, g.anchorColor(name), index, budgetMinutes)

	return encodeSVG(svg)
}

func encodeSVG(svg string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(svg))
	return fmt.Sprintf("data:image/svg+xml;base64,%s", encoded)
}
