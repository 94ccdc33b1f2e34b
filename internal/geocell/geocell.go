package geocell

import (
	"math"

	geohash "github.com/TomiHiltunen/geohash-golang"
)

// Geohash precisions used by the candidate search. Length 6 gives cells of
// roughly 1.2 km, length 5 roughly 5 km, length 4 roughly 40 km.
const (
	PrecisionFine   = 6
	PrecisionMid    = 5
	PrecisionCoarse = 4
)

// CellAt returns the geohash cell containing (lat, lng) at the given
// precision (number of geohash characters).
func CellAt(lat, lng float64, precision int) string {
	return geohash.EncodeWithPrecision(lat, lng, precision)
}

// Neighborhood returns the cell at (lat, lng) together with its 8 adjacent
// cells at the same precision.
func Neighborhood(lat, lng float64, precision int) []string {
	center := geohash.EncodeWithPrecision(lat, lng, precision)
	return append([]string{center}, geohash.CalculateAllAdjacent(center)...)
}

// Prefix truncates a fine cell id to a coarser precision.
func Prefix(cell string, precision int) string {
	if precision >= len(cell) {
		return cell
	}
	return cell[:precision]
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
