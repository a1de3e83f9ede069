// Package region holds the static closed set of regions, their center
// coordinates, city-name mapping, and adjacency table (spec §6, §4.2),
// grounded on cleaner_assignment.py's CITY_REGION_MAP and
// allocation_engine.py's REGION_COORDINATES/ADJACENT_REGIONS.
package region

import (
	"math"
	"strings"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// Coordinate is a (latitude, longitude) pair in degrees.
type Coordinate struct {
	Lat float64
	Lng float64
}

// Coordinates gives the center point of every closed region.
var Coordinates = map[domain.RegionCode]Coordinate{
	domain.RegionDXB: {25.2048, 55.2708},
	domain.RegionAUH: {24.4539, 54.3773},
	domain.RegionSHJ: {25.3462, 55.4211},
	domain.RegionAJM: {25.4052, 55.5136},
	domain.RegionRAK: {25.7895, 55.9432},
	domain.RegionFUJ: {25.1288, 56.3264},
	domain.RegionUAQ: {25.5647, 55.5552},
}

// Adjacent maps a region to its configured neighbors, used for allocation
// fallback when a region has no available candidates.
var Adjacent = map[domain.RegionCode][]domain.RegionCode{
	domain.RegionDXB: {domain.RegionSHJ, domain.RegionAJM},
	domain.RegionSHJ: {domain.RegionDXB, domain.RegionAJM, domain.RegionUAQ},
	domain.RegionAJM: {domain.RegionDXB, domain.RegionSHJ, domain.RegionUAQ},
	domain.RegionUAQ: {domain.RegionSHJ, domain.RegionAJM, domain.RegionRAK},
	domain.RegionRAK: {domain.RegionUAQ, domain.RegionFUJ},
	domain.RegionFUJ: {domain.RegionRAK},
	domain.RegionAUH: {},
}

// cityRegionMap mirrors CITY_REGION_MAP from the original Python service,
// including its informal city-name variants.
var cityRegionMap = map[string]domain.RegionCode{
	"dubai":          domain.RegionDXB,
	"abu dhabi":      domain.RegionAUH,
	"sharjah":        domain.RegionSHJ,
	"ajman":          domain.RegionAJM,
	"ras al khaimah": domain.RegionRAK,
	"fujairah":       domain.RegionFUJ,
	"umm al quwain":  domain.RegionUAQ,
	"dxb":            domain.RegionDXB,
	"abudhabi":       domain.RegionAUH,
}

// FromCity maps a free-text city name to a region code. Returns "", false
// when the city is unrecognized.
func FromCity(city string) (domain.RegionCode, bool) {
	if city == "" {
		return "", false
	}
	r, ok := cityRegionMap[strings.ToLower(strings.TrimSpace(city))]
	return r, ok
}

// All enumerates the seven closed region codes in a stable order.
func All() []domain.RegionCode {
	return []domain.RegionCode{
		domain.RegionDXB, domain.RegionAUH, domain.RegionSHJ, domain.RegionAJM,
		domain.RegionRAK, domain.RegionFUJ, domain.RegionUAQ,
	}
}

const earthRadiusKm = 6371.0

// HaversineKM returns the great-circle distance between two coordinates in
// kilometers.
func HaversineKM(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Asin(math.Sqrt(h))
	return earthRadiusKm * c
}
