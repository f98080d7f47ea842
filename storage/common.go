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

package storage

import (
	"context"
	"time"
)

// User a registered mobile user
type User struct {
	ID        string `gorm:"primaryKey"`
	FirstName string `gorm:"not null"`
	LastName  string
	Email     string `gorm:"index"`
	// OwnerIDs IDs of the partners owning the user, in order
	OwnerIDs      []string `gorm:"serializer:json"`
	CreationDate  time.Time
	LastLoginDate *time.Time
	LoginAttempts int
	// LastLat / LastLng the last known location
	LastLat *float64
	LastLng *float64
}

// Partner an organization owning users
type Partner struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

// ParkingLocation a known parking location
type ParkingLocation struct {
	ID   string `gorm:"primaryKey"`
	Name string
	Lat  float64 `gorm:"index:idx_parking_position"`
	Lng  float64 `gorm:"index:idx_parking_position"`
}

// ParkedVisit a record that a user was detected as parked at a parking location
type ParkedVisit struct {
	ID         string  `gorm:"primaryKey"`
	UserID     string  `gorm:"index:idx_visit_user_time"`
	ParkingID  string  `gorm:"index"`
	DistanceKM float64 `gorm:"column:distance_km"`
	// ParkedLat / ParkedLng the user's stored last location at detection time
	ParkedLat float64
	ParkedLng float64
	// ParkedAtMS detection time in unix milliseconds
	ParkedAtMS int64 `gorm:"column:parked_at_ms;index:idx_visit_user_time"`
}

// ParkedAt detection time
func (v ParkedVisit) ParkedAt() time.Time {
	return time.UnixMilli(v.ParkedAtMS)
}

// LocationHistory one entry of a user's location trail
type LocationHistory struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"index"`
	Lat          float64
	Lng          float64
	RecordedAtMS int64 `gorm:"column:recorded_at_ms"`
}

// Store persistence of users, partners, parking locations, parked visits, and location history
type Store interface {
	// GetUser fetch a user by ID
	GetUser(ctxt context.Context, userID string) (User, error)
	// CreateUser record a new user
	CreateUser(ctxt context.Context, user User) error
	// UpdateUserLocation record the last known location of a user
	UpdateUserLocation(ctxt context.Context, userID string, lat, lng float64) error
	// RegisterLoginAttempt set the last login date and count the attempt
	RegisterLoginAttempt(ctxt context.Context, userID string, at time.Time) error

	// GetPartnersByIDs fetch the partners with the given IDs. Unknown IDs are skipped.
	GetPartnersByIDs(ctxt context.Context, partnerIDs []string) ([]Partner, error)
	// CreatePartner record a new partner
	CreatePartner(ctxt context.Context, partner Partner) error

	// GetParkingLocation fetch a parking location by ID
	GetParkingLocation(ctxt context.Context, parkingID string) (ParkingLocation, error)
	// CreateParkingLocation record a new parking location
	CreateParkingLocation(ctxt context.Context, location ParkingLocation) error
	// ParkingLocationsWithin fetch the parking locations inside the spherical cap centered on
	// a point, with the cap radius in radians
	ParkingLocationsWithin(
		ctxt context.Context, lat, lng, angularRadius float64,
	) ([]ParkingLocation, error)

	// LastVisitSince fetch the newest parked visit of a user at or after a time. Returns
	// nil if there is none.
	LastVisitSince(ctxt context.Context, userID string, since time.Time) (*ParkedVisit, error)
	// CreateParkedVisit record a new parked visit
	CreateParkedVisit(ctxt context.Context, visit ParkedVisit) (ParkedVisit, error)
	// ListParkedVisits fetch all parked visits of a user, oldest first
	ListParkedVisits(ctxt context.Context, userID string) ([]ParkedVisit, error)

	// AppendLocationHistory add an entry to a user's location trail
	AppendLocationHistory(ctxt context.Context, userID string, lat, lng float64, at time.Time) error
	// ListLocationHistory fetch a user's location trail, oldest first
	ListLocationHistory(ctxt context.Context, userID string) ([]LocationHistory, error)

	// Ready check the store is usable
	Ready(ctxt context.Context) error
	// Close release the store
	Close() error
}
