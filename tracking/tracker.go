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

package tracking

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/parking"
	"github.com/alwitt/parksense/presence"
	"github.com/alwitt/parksense/storage"
	"github.com/apex/log"
)

// UserStore the persistence operations the location tracker depends on
type UserStore interface {
	GetUser(ctxt context.Context, userID string) (storage.User, error)
	GetPartnersByIDs(ctxt context.Context, partnerIDs []string) ([]storage.Partner, error)
	UpdateUserLocation(ctxt context.Context, userID string, lat, lng float64) error
	AppendLocationHistory(ctxt context.Context, userID string, lat, lng float64, at time.Time) error
	RegisterLoginAttempt(ctxt context.Context, userID string, at time.Time) error
}

// Step one stage of the location update pipeline
type Step string

const (
	// StepParse coordinate parsing
	StepParse Step = "parse"
	// StepPersist last location update
	StepPersist Step = "persist"
	// StepHistory location history append
	StepHistory Step = "history"
	// StepParking parking detection
	StepParking Step = "parking"
	// StepPresence presence record build and cache write
	StepPresence Step = "presence"
)

// StepFailure a failed pipeline step
type StepFailure struct {
	Step Step
	Kind common.FailureKind
	Err  error
}

// UpdateResult outcome of one location update
type UpdateResult struct {
	UserID string
	// Cached whether the presence record was written
	Cached bool
	// Parking the parking detection result, nil if detection did not complete
	Parking *parking.Detection
	// Failures the failed steps, in pipeline order
	Failures []StepFailure
}

// Failed whether a step failed
func (r UpdateResult) Failed(step Step) bool {
	for _, failure := range r.Failures {
		if failure.Step == step {
			return true
		}
	}
	return false
}

func (r *UpdateResult) fail(step Step, err error) {
	r.Failures = append(r.Failures, StepFailure{Step: step, Kind: common.FailureKindOf(err), Err: err})
}

// LocationTracker entry point for location updates and login tracking
type LocationTracker interface {
	// UpdateLocation run the location update pipeline synchronously
	UpdateLocation(ctxt context.Context, userID string, lat, lng string) UpdateResult
	// SubmitLocation queue a location update. Updates of one user are processed in order.
	SubmitLocation(ctxt context.Context, userID string, lat, lng string) error
	// RegisterLoginAttempt record a login attempt of a user
	RegisterLoginAttempt(ctxt context.Context, userID string) error
	// Start start the queued update workers
	Start(wg *sync.WaitGroup) error
	// Stop stop the queued update workers
	Stop() error
}

// locationTrackerImpl implements LocationTracker
type locationTrackerImpl struct {
	common.Component
	store    UserStore
	detector parking.Detector
	cache    presence.Cache
	workers  common.TaskProcessor
	now      func() time.Time
	// onResult called with the result of every queued update
	onResult func(UpdateResult)
}

// GetLocationTracker define a new location tracker
func GetLocationTracker(
	instance string,
	store UserStore,
	detector parking.Detector,
	cache presence.Cache,
	config common.PipelineConfig,
	ctxt context.Context,
) (LocationTracker, error) {
	component, err := defineLocationTracker(
		instance, store, detector, cache, config, ctxt, time.Now,
	)
	if err != nil {
		return nil, err
	}
	return component, nil
}

func defineLocationTracker(
	instance string,
	store UserStore,
	detector parking.Detector,
	cache presence.Cache,
	config common.PipelineConfig,
	ctxt context.Context,
	now func() time.Time,
) (*locationTrackerImpl, error) {
	logTags := log.Fields{
		"module": "tracking", "component": "location-tracker", "instance": instance,
	}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		fmt.Sprintf("%s.pipeline", instance), config.QueueLen, config.Workers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define pipeline workers")
		return nil, err
	}
	instanceObj := &locationTrackerImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		detector:  detector,
		cache:     cache,
		workers:   workers,
		now:       now,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(locationUpdateTask{}), instanceObj.processLocationUpdate,
	); err != nil {
		return nil, err
	}
	return instanceObj, nil
}

// ========================================================================================

// parseCoordinates convert the decimal string coordinates
func parseCoordinates(lat, lng string) (float64, float64, error) {
	latVal, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude '%s': %w", lat, err)
	}
	lngVal, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude '%s': %w", lng, err)
	}
	if latVal < -90 || latVal > 90 {
		return 0, 0, fmt.Errorf("latitude %f out of range", latVal)
	}
	if lngVal < -180 || lngVal > 180 {
		return 0, 0, fmt.Errorf("longitude %f out of range", lngVal)
	}
	return latVal, lngVal, nil
}

// UpdateLocation run the location update pipeline synchronously
//
// The steps are persist, history, parking detection, then presence. A parking detection
// failure does not stop the pipeline. Any other failure ends it without touching the cache.
func (t *locationTrackerImpl) UpdateLocation(
	ctxt context.Context, userID string, lat, lng string,
) UpdateResult {
	logTags := t.LogTagsWith(log.Fields{"user_id": userID})
	result := UpdateResult{UserID: userID}
	defer t.logResult(logTags, &result)

	latVal, lngVal, err := parseCoordinates(lat, lng)
	if err != nil {
		result.fail(StepParse, common.NewFailure(common.FailureInvalidInput, "parse-location", err))
		return result
	}

	if err := t.store.UpdateUserLocation(ctxt, userID, latVal, lngVal); err != nil {
		result.fail(StepPersist, err)
		return result
	}

	if err := t.store.AppendLocationHistory(ctxt, userID, latVal, lngVal, t.now()); err != nil {
		result.fail(StepHistory, err)
		return result
	}

	detection, err := t.detector.Detect(ctxt, userID, latVal, lngVal)
	if err != nil {
		result.fail(StepParking, err)
	} else {
		result.Parking = &detection
	}

	record, err := t.buildRecord(ctxt, userID, lat, lng)
	if err != nil {
		result.fail(StepPresence, err)
		return result
	}
	t.cache.Put(userID, record)
	result.Cached = true
	return result
}

// buildRecord assemble the presence record of a user. The cache is not touched until all
// the data is read.
func (t *locationTrackerImpl) buildRecord(
	ctxt context.Context, userID string, lat, lng string,
) (presence.Record, error) {
	user, err := t.store.GetUser(ctxt, userID)
	if err != nil {
		return presence.Record{}, err
	}
	owners := []string{}
	if len(user.OwnerIDs) > 0 {
		partners, err := t.store.GetPartnersByIDs(ctxt, user.OwnerIDs)
		if err != nil {
			return presence.Record{}, err
		}
		names := make(map[string]string, len(partners))
		for _, partner := range partners {
			names[partner.ID] = partner.Name
		}
		for _, ownerID := range user.OwnerIDs {
			if name, ok := names[ownerID]; ok {
				owners = append(owners, name)
			}
		}
	}
	return presence.Record{
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		Owners:          owners,
		Email:           user.Email,
		TimeOfExistence: daysSince(user.CreationDate, t.now()),
		Lat:             lat,
		Lng:             lng,
	}, nil
}

// daysSince whole days elapsed between two times, never negative
func daysSince(from, to time.Time) int {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / (time.Hour * 24))
}

func (t *locationTrackerImpl) logResult(logTags log.Fields, result *UpdateResult) {
	if len(result.Failures) == 0 {
		log.WithFields(logTags).Debug("Location update complete")
		return
	}
	for _, failure := range result.Failures {
		log.WithError(failure.Err).WithFields(logTags).Errorf(
			"Location update step %s failed (%s)", failure.Step, failure.Kind,
		)
	}
}

// ========================================================================================

type locationUpdateTask struct {
	ctxt   context.Context
	userID string
	lat    string
	lng    string
}

// RoutingKey updates of one user go to the same worker
func (t locationUpdateTask) RoutingKey() string {
	return t.userID
}

// SubmitLocation queue a location update. Updates of one user are processed in order.
func (t *locationTrackerImpl) SubmitLocation(
	ctxt context.Context, userID string, lat, lng string,
) error {
	if userID == "" {
		return common.NewFailure(common.FailureInvalidInput, "submit-location", fmt.Errorf("no user ID"))
	}
	if _, _, err := parseCoordinates(lat, lng); err != nil {
		return common.NewFailure(common.FailureInvalidInput, "submit-location", err)
	}
	// The update outlives the submitting request
	task := locationUpdateTask{
		ctxt: context.WithoutCancel(ctxt), userID: userID, lat: lat, lng: lng,
	}
	return t.workers.Submit(task, ctxt)
}

func (t *locationTrackerImpl) processLocationUpdate(param interface{}) error {
	task, ok := param.(locationUpdateTask)
	if !ok {
		err := fmt.Errorf("received unexpected call %s", reflect.TypeOf(param))
		log.WithError(err).WithFields(t.LogTags).Error("Processing failed")
		return err
	}
	result := t.UpdateLocation(task.ctxt, task.userID, task.lat, task.lng)
	if t.onResult != nil {
		t.onResult(result)
	}
	return nil
}

// RegisterLoginAttempt record a login attempt of a user
func (t *locationTrackerImpl) RegisterLoginAttempt(ctxt context.Context, userID string) error {
	if err := t.store.RegisterLoginAttempt(ctxt, userID, t.now()); err != nil {
		log.WithError(err).WithFields(t.LogTagsWith(log.Fields{"user_id": userID})).Error(
			"Unable to register login attempt",
		)
		return err
	}
	return nil
}

// Start start the queued update workers
func (t *locationTrackerImpl) Start(wg *sync.WaitGroup) error {
	return t.workers.StartEventLoop(wg)
}

// Stop stop the queued update workers
func (t *locationTrackerImpl) Stop() error {
	return t.workers.StopEventLoop()
}
