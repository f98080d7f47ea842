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

package parking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/geo"
	"github.com/alwitt/parksense/storage"
	"github.com/apex/log"
)

// Store the persistence operations parking detection depends on
type Store interface {
	GetUser(ctxt context.Context, userID string) (storage.User, error)
	ParkingLocationsWithin(
		ctxt context.Context, lat, lng, angularRadius float64,
	) ([]storage.ParkingLocation, error)
	LastVisitSince(ctxt context.Context, userID string, since time.Time) (*storage.ParkedVisit, error)
	CreateParkedVisit(ctxt context.Context, visit storage.ParkedVisit) (storage.ParkedVisit, error)
}

// Outcome result of one detection attempt
type Outcome string

const (
	// OutcomeDebounced the user already has a visit inside the cooldown window
	OutcomeDebounced Outcome = "debounced"
	// OutcomeNoCandidates no parking location is within the detection radius
	OutcomeNoCandidates Outcome = "no-candidates"
	// OutcomeParked a new visit was recorded
	OutcomeParked Outcome = "parked"
	// OutcomeInFlight another detection for the same user is in progress
	OutcomeInFlight Outcome = "in-flight"
)

// Detection result of Detect
type Detection struct {
	Outcome Outcome
	// Visit the created visit. Only set for OutcomeParked.
	Visit *storage.ParkedVisit
}

// Detector decides whether a location update means the user parked somewhere
type Detector interface {
	// Detect run parking detection for a user at a position
	Detect(ctxt context.Context, userID string, lat, lng float64) (Detection, error)
}

// detectorImpl implements Detector
type detectorImpl struct {
	common.Component
	store         Store
	radiusKM      float64
	earthRadiusKM float64
	cooldown      time.Duration
	now           func() time.Time
	lock          sync.Mutex
	inFlight      map[string]bool
}

// GetDetector define a new parking detector
func GetDetector(instance string, store Store, config common.ParkingConfig) (Detector, error) {
	component, err := defineDetector(instance, store, config, time.Now)
	if err != nil {
		return nil, err
	}
	return component, nil
}

func defineDetector(
	instance string, store Store, config common.ParkingConfig, now func() time.Time,
) (*detectorImpl, error) {
	if config.DetectRadiusKM <= 0 || config.EarthRadiusKM <= 0 {
		return nil, fmt.Errorf(
			"invalid parking detection radius %f km / earth radius %f km",
			config.DetectRadiusKM, config.EarthRadiusKM,
		)
	}
	logTags := log.Fields{
		"module": "parking", "component": "detector", "instance": instance,
	}
	return &detectorImpl{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		radiusKM:      config.DetectRadiusKM,
		earthRadiusKM: config.EarthRadiusKM,
		cooldown:      config.CooldownDuration(),
		now:           now,
		inFlight:      make(map[string]bool),
	}, nil
}

// acquire mark a detection in progress for a user. Returns false if one already is.
func (d *detectorImpl) acquire(userID string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.inFlight[userID] {
		return false
	}
	d.inFlight[userID] = true
	return true
}

func (d *detectorImpl) release(userID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.inFlight, userID)
}

// Detect run parking detection for a user at a position
func (d *detectorImpl) Detect(
	ctxt context.Context, userID string, lat, lng float64,
) (Detection, error) {
	logTags := d.LogTagsWith(log.Fields{"user_id": userID})
	if !d.acquire(userID) {
		log.WithFields(logTags).Debug("Detection already in progress")
		return Detection{Outcome: OutcomeInFlight}, nil
	}
	defer d.release(userID)

	currentTime := d.now()

	// Cooldown
	previous, err := d.store.LastVisitSince(ctxt, userID, currentTime.Add(-d.cooldown))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Cooldown lookup failed")
		return Detection{}, tagged("cooldown-lookup", err)
	}
	if previous != nil {
		log.WithFields(logTags).Debugf("Parked at %s within cooldown", previous.ParkingID)
		return Detection{Outcome: OutcomeDebounced}, nil
	}

	// Nearby parking locations
	candidates, err := d.store.ParkingLocationsWithin(ctxt, lat, lng, d.radiusKM/d.earthRadiusKM)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Parking location query failed")
		return Detection{}, tagged("parking-query", err)
	}
	if len(candidates) == 0 {
		return Detection{Outcome: OutcomeNoCandidates}, nil
	}

	// The parked position is the user's stored last location
	user, err := d.store.GetUser(ctxt, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("User lookup failed")
		return Detection{}, tagged("user-lookup", err)
	}
	if user.LastLat == nil || user.LastLng == nil {
		err := common.NewFailure(
			common.FailureNotFound, "user-lookup", fmt.Errorf("user %s has no stored location", userID),
		)
		log.WithError(err).WithFields(logTags).Error("User has no last location")
		return Detection{}, err
	}

	nearest, distance := selectNearest(geo.Point{Lat: lat, Lng: lng}, candidates, d.earthRadiusKM)

	visit, err := d.store.CreateParkedVisit(ctxt, storage.ParkedVisit{
		UserID:     userID,
		ParkingID:  nearest.ID,
		DistanceKM: distance,
		ParkedLat:  *user.LastLat,
		ParkedLng:  *user.LastLng,
		ParkedAtMS: currentTime.UnixMilli(),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Parked visit creation failed")
		return Detection{}, tagged("create-visit", err)
	}
	log.WithFields(logTags).Infof(
		"Parked at %s (%.3f km of %d candidates)", nearest.ID, distance, len(candidates),
	)
	return Detection{Outcome: OutcomeParked, Visit: &visit}, nil
}

// selectNearest pick the candidate closest to the position. On a tie the first candidate
// at the minimum distance wins. candidates must not be empty.
func selectNearest(
	position geo.Point, candidates []storage.ParkingLocation, earthRadiusKM float64,
) (storage.ParkingLocation, float64) {
	bestIdx := 0
	bestDistance := geo.HaversineKM(
		position, geo.Point{Lat: candidates[0].Lat, Lng: candidates[0].Lng}, earthRadiusKM,
	)
	for idx := 1; idx < len(candidates); idx++ {
		distance := geo.HaversineKM(
			position, geo.Point{Lat: candidates[idx].Lat, Lng: candidates[idx].Lng}, earthRadiusKM,
		)
		if distance < bestDistance {
			bestIdx = idx
			bestDistance = distance
		}
	}
	return candidates[bestIdx], bestDistance
}

// tagged make sure a store error carries a failure kind
func tagged(operation string, err error) error {
	if common.IsFailureKind(err, common.FailureNotFound) ||
		common.IsFailureKind(err, common.FailureUpstreamQuery) {
		return err
	}
	return common.NewFailure(common.FailureUpstreamQuery, operation, err)
}
