// Package geo evaluates whether a reported position falls inside a circular
// geofence.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

type Result struct {
	DistanceMeters float64
	WithinRadius   bool
}

// Evaluate returns the haversine distance between the user and the center and
// whether it lies within radiusMeters. GPS accuracy is not folded in.
func Evaluate(userLat, userLon, centerLat, centerLon, radiusMeters float64) Result {
	distance := Distance(userLat, userLon, centerLat, centerLon)
	return Result{
		DistanceMeters: distance,
		WithinRadius:   distance <= radiusMeters,
	}
}

func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// ValidCoordinate rejects NaN, infinities and out of range values.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidRadius reports whether r can describe a geofence.
func ValidRadius(r float64) bool {
	return !math.IsNaN(r) && !math.IsInf(r, 0) && r > 0
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
