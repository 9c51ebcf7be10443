package domain

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillonishuk/majestic-rent-bot/assets"
)

type vehicleInfo struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
}

var (
	vehicleTable map[string]vehicleInfo // slug -> brand/model
	vehicleSlugs []string               // sorted, for deterministic scans
	nameToSlug   map[string]string      // "brand model" (lowercase) -> slug

	reLeadingTag  = regexp.MustCompile(`^\[.*?\]\s*`)
	reNonAlphaNum = regexp.MustCompile(`[^a-z0-9]`)
	reMultiSpace  = regexp.MustCompile(`\s+`)
)

func init() {
	if err := json.Unmarshal(assets.VehiclesJSON, &vehicleTable); err != nil {
		panic("assets/vehicles.json: " + err.Error())
	}
	nameToSlug = make(map[string]string, len(vehicleTable))
	vehicleSlugs = make([]string, 0, len(vehicleTable))
	for slug, info := range vehicleTable {
		vehicleSlugs = append(vehicleSlugs, slug)
		full := strings.ToLower(strings.TrimSpace(info.Brand + " " + info.Model))
		if full != "" {
			nameToSlug[full] = slug
		}
	}
	sort.Strings(vehicleSlugs)
}

// VehicleImageSlug maps a free-form vehicle name from a rental notification to
// a stable image identifier, or "" when nothing matches. Matching is tried in
// order: exact "brand model", trailing-word model, all-but-first-word model,
// normalized alphanumeric slug, and finally a prefix match either way.
func VehicleImageSlug(vehicleName string) string {
	// Strip tags like [RL] or [DLC] that the game prepends to some names.
	name := strings.TrimSpace(reLeadingTag.ReplaceAllString(vehicleName, ""))
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)

	if slug, ok := nameToSlug[lower]; ok {
		return slug
	}

	words := reMultiSpace.Split(name, -1)
	model := strings.ToLower(words[len(words)-1])
	for _, slug := range vehicleSlugs {
		if strings.ToLower(vehicleTable[slug].Model) == model {
			return slug
		}
	}

	if len(words) > 1 {
		modelFull := strings.ToLower(strings.Join(words[1:], " "))
		for _, slug := range vehicleSlugs {
			if strings.ToLower(vehicleTable[slug].Model) == modelFull {
				return slug
			}
		}
	}

	normalized := reNonAlphaNum.ReplaceAllString(lower, "")
	if _, ok := vehicleTable[normalized]; ok {
		return normalized
	}

	for _, slug := range vehicleSlugs {
		if strings.HasPrefix(slug, model) || strings.HasPrefix(model, slug) {
			return slug
		}
	}
	return ""
}
