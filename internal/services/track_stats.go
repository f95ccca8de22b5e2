package services

import (
	"math"
	"time"

	"github.com/twpayne/go-polyline"

	"trailkeep/internal/types"
)

const earthRadiusM = 6371008.8

// TrackStats are the aggregates computed when an activity is finalized
type TrackStats struct {
	DistanceM      float64
	ElevationGainM float64
	ElevationLossM float64
	Polyline       string
}

// haversine returns the great-circle distance in meters
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ComputeTrackStats summarizes points, which must be in timestamp order
func ComputeTrackStats(points []types.TrackPoint) TrackStats {
	var s TrackStats
	if len(points) == 0 {
		return s
	}

	coords := make([][]float64, 0, len(points))
	var lastElevation *float64
	for i, p := range points {
		coords = append(coords, []float64{p.Latitude, p.Longitude})
		if i > 0 {
			prev := points[i-1]
			s.DistanceM += haversine(prev.Latitude, prev.Longitude, p.Latitude, p.Longitude)
		}
		if p.Elevation == nil {
			continue
		}
		if lastElevation != nil {
			delta := *p.Elevation - *lastElevation
			if delta > 0 {
				s.ElevationGainM += delta
			} else {
				s.ElevationLossM -= delta
			}
		}
		lastElevation = p.Elevation
	}
	s.Polyline = string(polyline.EncodeCoords(coords))
	return s
}

// DecodePolyline returns the [lat, lon] pairs of an encoded track
func DecodePolyline(encoded string) ([][]float64, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	return coords, err
}

// movingDuration is the elapsed time minus pauses, never negative
func movingDuration(start, end time.Time, paused time.Duration) time.Duration {
	return max(end.Sub(start)-paused, 0)
}
