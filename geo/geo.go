// Copyright 2021-2022 The parksense Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package geo spherical distance helpers over decimal degree coordinates
package geo

import "math"

// Point a position in decimal degrees
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func toDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// CentralAngle the angle in radians between two points as seen from the sphere center,
// computed with the haversine formula
func CentralAngle(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HaversineKM great circle distance in kilometers on a sphere of the given radius
func HaversineKM(a, b Point, radiusKM float64) float64 {
	return CentralAngle(a, b) * radiusKM
}

// WithinAngle whether b is inside the spherical cap of the given angular radius centered on a
func WithinAngle(a, b Point, angularRadius float64) bool {
	return CentralAngle(a, b) <= angularRadius
}

// BoundingBox the lat / lng ranges enclosing the spherical cap of the given angular radius.
// Longitude bounds span the whole range near the poles. Callers must still apply
// WithinAngle, the box is only a coarse prefilter.
func BoundingBox(center Point, angularRadius float64) (minLat, maxLat, minLng, maxLng float64) {
	dLat := toDegrees(angularRadius)
	minLat = math.Max(center.Lat-dLat, -90)
	maxLat = math.Min(center.Lat+dLat, 90)
	cosLat := math.Cos(toRadians(center.Lat))
	if maxLat >= 90 || minLat <= -90 || cosLat < 1e-9 {
		return minLat, maxLat, -180, 180
	}
	dLng := toDegrees(math.Asin(math.Min(math.Sin(angularRadius)/cosLat, 1)))
	minLng = center.Lng - dLng
	maxLng = center.Lng + dLng
	if minLng < -180 || maxLng > 180 {
		// Crosses the anti-meridian
		return minLat, maxLat, -180, 180
	}
	return minLat, maxLat, minLng, maxLng
}
