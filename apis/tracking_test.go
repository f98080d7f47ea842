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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/parksense/auth"
	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/presence"
	"github.com/alwitt/parksense/tracking"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type submittedLocation struct {
	userID string
	lat    string
	lng    string
}

type stubTracker struct {
	lock      sync.Mutex
	submitted []submittedLocation
	submitErr error
	logins    []string
	loginErr  error
}

func (s *stubTracker) UpdateLocation(
	_ context.Context, userID string, _, _ string,
) tracking.UpdateResult {
	return tracking.UpdateResult{UserID: userID}
}

func (s *stubTracker) SubmitLocation(_ context.Context, userID string, lat, lng string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted = append(s.submitted, submittedLocation{userID: userID, lat: lat, lng: lng})
	return nil
}

func (s *stubTracker) RegisterLoginAttempt(_ context.Context, userID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.loginErr != nil {
		return s.loginErr
	}
	s.logins = append(s.logins, userID)
	return nil
}

func (s *stubTracker) Start(_ *sync.WaitGroup) error { return nil }

func (s *stubTracker) Stop() error { return nil }

type fixedCache struct {
	content presence.Snapshot
}

func (c *fixedCache) Put(userID string, record presence.Record) { c.content[userID] = record }

func (c *fixedCache) Snapshot() presence.Snapshot {
	result := presence.Snapshot{}
	for k, v := range c.content {
		result[k] = v
	}
	return result
}

func (c *fixedCache) Sweep() int { return 0 }

func (c *fixedCache) SetChangeHandler(_ presence.ChangeHandler) {}

func (c *fixedCache) Start() error { return nil }

func (c *fixedCache) Stop() error { return nil }

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Parksense-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

var testAuthConfig = common.AuthConfig{JWTSecret: "unit-test-secret"}

func signedToken(t *testing.T, subject string) string {
	token, err := auth.SignToken(testAuthConfig, subject, time.Minute)
	assert.Nil(t, err)
	return token
}

// checkResponse verify the request ID is echoed in the header and carried in the body
func checkResponse(t *testing.T, w *httptest.ResponseRecorder, reqID string) {
	assert.Equal(t, reqID, w.Header().Get("Parksense-Request-ID"))
	assert.Equal(t, "application/json", w.Header().Get("content-type"))
	var base goutils.RestAPIBaseResponse
	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &base))
	assert.Equal(t, reqID, base.RequestID)
}

func TestLocationAndLogin(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tracker := &stubTracker{}
	cache := &fixedCache{content: presence.Snapshot{}}
	verifier, err := auth.GetTokenVerifier(testAuthConfig)
	assert.Nil(err)

	// Case 0: missing dependency
	{
		_, err := GetAPIRestTrackingHandler(nil, cache, verifier, nil, testHTTPConfig())
		assert.NotNil(err)
		_, err = GetAPIRestTrackingHandler(tracker, cache, nil, nil, testHTTPConfig())
		assert.NotNil(err)
	}

	uut, err := GetAPIRestTrackingHandler(tracker, cache, verifier, nil, testHTTPConfig())
	assert.Nil(err)

	userToken := signedToken(t, "u1")

	postLocationAs := func(token, userID string, body []byte) *httptest.ResponseRecorder {
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"POST", fmt.Sprintf("/v1/user/%s/location", userID), bytes.NewReader(body),
		)
		assert.Nil(err)
		req.Header.Add("Parksense-Request-ID", testReqID)
		if token != "" {
			req.Header.Add("Authorization", "Bearer "+token)
		}
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/user/{userID}/location", uut.UpdateLocationHandler())
		router.ServeHTTP(respRecorder, req)
		checkResponse(t, respRecorder, testReqID)
		return respRecorder
	}
	postLocation := func(userID string, body []byte) *httptest.ResponseRecorder {
		return postLocationAs(userToken, userID, body)
	}

	// Case 1: valid location update is accepted
	{
		body, err := json.Marshal(&LocationUpdate{Lat: "40.4168", Lng: "-3.7038"})
		assert.Nil(err)
		resp := postLocation("u1", body)
		assert.Equal(http.StatusAccepted, resp.Code)
		tracker.lock.Lock()
		assert.Equal(
			[]submittedLocation{{userID: "u1", lat: "40.4168", lng: "-3.7038"}}, tracker.submitted,
		)
		tracker.lock.Unlock()
	}

	// Case 2: body is not JSON
	{
		resp := postLocation("u1", []byte("not json"))
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 3: coordinates out of range
	{
		body, err := json.Marshal(&LocationUpdate{Lat: "95.0", Lng: "-3.7038"})
		assert.Nil(err)
		resp := postLocation("u1", body)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 4: missing coordinate
	{
		resp := postLocation("u1", []byte(`{"lat":"40.4168"}`))
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 5: tracker rejects the update as invalid
	{
		tracker.submitErr = common.NewFailure(
			common.FailureInvalidInput, "submit-location", fmt.Errorf("dummy error"),
		)
		body, err := json.Marshal(&LocationUpdate{Lat: "40.4168", Lng: "-3.7038"})
		assert.Nil(err)
		resp := postLocation("u1", body)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 6: tracker unable to queue the update
	{
		tracker.submitErr = fmt.Errorf("event loop stopped")
		body, err := json.Marshal(&LocationUpdate{Lat: "40.4168", Lng: "-3.7038"})
		assert.Nil(err)
		resp := postLocation("u1", body)
		assert.Equal(http.StatusInternalServerError, resp.Code)
		tracker.submitErr = nil
	}

	postLogin := func(userID string) *httptest.ResponseRecorder {
		testReqID := uuid.NewString()
		req, err := http.NewRequest("POST", fmt.Sprintf("/v1/user/%s/login", userID), nil)
		assert.Nil(err)
		req.Header.Add("Parksense-Request-ID", testReqID)
		req.Header.Add("Authorization", "Bearer "+signedToken(t, userID))
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/user/{userID}/login", uut.RegisterLoginHandler())
		router.ServeHTTP(respRecorder, req)
		checkResponse(t, respRecorder, testReqID)
		return respRecorder
	}

	// Case 7: login attempt registered
	{
		resp := postLogin("u1")
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal([]string{"u1"}, tracker.logins)
	}

	// Case 8: login attempt of unknown user
	{
		tracker.loginErr = common.NewFailure(
			common.FailureNotFound, "login-attempt", fmt.Errorf("no such user"),
		)
		resp := postLogin("u2")
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 9: login attempt store failure
	{
		tracker.loginErr = fmt.Errorf("dummy error")
		resp := postLogin("u2")
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	body, err := json.Marshal(&LocationUpdate{Lat: "40.4168", Lng: "-3.7038"})
	assert.Nil(err)
	tracker.lock.Lock()
	submittedBefore := len(tracker.submitted)
	tracker.lock.Unlock()

	// Case 10: location update without a token
	{
		resp := postLocationAs("", "u1", body)
		assert.Equal(http.StatusUnauthorized, resp.Code)
	}

	// Case 11: location update with a forged token
	{
		forged, err := auth.SignToken(
			common.AuthConfig{JWTSecret: "another-secret"}, "u1", time.Minute,
		)
		assert.Nil(err)
		resp := postLocationAs(forged, "u1", body)
		assert.Equal(http.StatusUnauthorized, resp.Code)
	}

	// Case 12: location update for another user
	{
		resp := postLocationAs(userToken, "u2", body)
		assert.Equal(http.StatusForbidden, resp.Code)
	}

	// Rejected requests never reach the tracker
	tracker.lock.Lock()
	assert.Equal(submittedBefore, len(tracker.submitted))
	tracker.lock.Unlock()
}

func TestPresenceAndHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cache := &fixedCache{content: presence.Snapshot{}}
	readyErr := fmt.Errorf("dummy error")
	storeReady := true
	checks := map[string]ReadinessCheck{
		"store": func(_ context.Context) error {
			if storeReady {
				return nil
			}
			return readyErr
		},
	}
	verifier, err := auth.GetTokenVerifier(testAuthConfig)
	assert.Nil(err)
	uut, err := GetAPIRestTrackingHandler(
		&stubTracker{}, cache, verifier, checks, testHTTPConfig(),
	)
	assert.Nil(err)

	viewerToken := signedToken(t, "viewer-1")

	getPresence := func() APIRestRespPresence {
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/v1/presence", nil)
		assert.Nil(err)
		req.Header.Add("Parksense-Request-ID", testReqID)
		req.Header.Add("Authorization", "Bearer "+viewerToken)
		respRecorder := httptest.NewRecorder()
		uut.GetPresenceHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		checkResponse(t, respRecorder, testReqID)
		var msg APIRestRespPresence
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		return msg
	}

	// Case 0: presence without a token exposes nothing
	{
		cache.Put("u0", presence.Record{FirstName: "Zoe", Email: "zoe@example.com"})
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/v1/presence", nil)
		assert.Nil(err)
		req.Header.Add("Parksense-Request-ID", testReqID)
		respRecorder := httptest.NewRecorder()
		uut.GetPresenceHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		checkResponse(t, respRecorder, testReqID)
		assert.NotContains(respRecorder.Body.String(), "zoe@example.com")
		delete(cache.content, "u0")
	}

	// Case 1: empty cache
	{
		msg := getPresence()
		assert.True(msg.Success)
		assert.Empty(msg.Users)
	}

	// Case 2: cache has content
	{
		cache.Put("u1", presence.Record{
			FirstName:       "Ana",
			Owners:          []string{"Blue Parking"},
			Email:           "ana@example.com",
			TimeOfExistence: 3,
			Lat:             "40.4168",
			Lng:             "-3.7038",
		})
		msg := getPresence()
		assert.True(msg.Success)
		assert.Len(msg.Users, 1)
		assert.Equal("Ana", msg.Users["u1"].FirstName)
		assert.Equal("", msg.Users["u1"].LastName)
		assert.Equal([]string{"Blue Parking"}, msg.Users["u1"].Owners)
		assert.Equal("40.4168", msg.Users["u1"].Lat)
	}

	// Case 3: alive
	{
		req, err := http.NewRequest("GET", "/v1/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 4: ready
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 5: not ready
	{
		storeReady = false
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}
