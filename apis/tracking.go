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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/parksense/auth"
	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/presence"
	"github.com/alwitt/parksense/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestTrackingHandler REST handler for location tracking and presence
type APIRestTrackingHandler struct {
	APIRestHandler
	tracker  tracking.LocationTracker
	cache    presence.Cache
	verifier auth.TokenVerifier
	checks   map[string]ReadinessCheck
	validate *validator.Validate
}

// GetAPIRestTrackingHandler define APIRestTrackingHandler
func GetAPIRestTrackingHandler(
	tracker tracking.LocationTracker,
	cache presence.Cache,
	verifier auth.TokenVerifier,
	checks map[string]ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestTrackingHandler, error) {
	if tracker == nil || cache == nil || verifier == nil {
		return APIRestTrackingHandler{}, fmt.Errorf("tracking handler is missing a dependency")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "tracking",
	}
	return APIRestTrackingHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		tracker:        tracker,
		cache:          cache,
		verifier:       verifier,
		checks:         checks,
		validate:       validator.New(),
	}, nil
}

// requireToken middleware rejecting requests without a valid bearer token. On routes
// scoped to a user, the token subject must be that user.
func (h APIRestTrackingHandler) requireToken(
	next http.HandlerFunc, userScoped bool,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		localLogTags := h.logTagsForRequest(r)
		identity, err := h.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			msg := "Valid bearer token required"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.reply(
				w,
				http.StatusUnauthorized,
				h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error()),
				localLogTags,
			)
			return
		}
		if userScoped {
			if userID := mux.Vars(r)["userID"]; userID != identity.Subject {
				msg := fmt.Sprintf("Token of %s may not act for %s", identity.Subject, userID)
				log.WithFields(localLogTags).Warn(msg)
				h.reply(
					w,
					http.StatusForbidden,
					h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg),
					localLogTags,
				)
				return
			}
		}
		next(w, r)
	}
}

// =======================================================================
// Location update

// LocationUpdate location update request body
type LocationUpdate struct {
	// Lat latitude in decimal degrees
	Lat string `json:"lat" validate:"required,latitude"`
	// Lng longitude in decimal degrees
	Lng string `json:"lng" validate:"required,longitude"`
}

// UpdateLocation godoc
// @Summary Report a user location
// @Description Queue a location update. The presence of the user is refreshed once processed.
// @tags Tracking
// @Accept json
// @Produce json
// @Param Parksense-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token of the user"
// @Param userID path string true "User ID"
// @Param location body LocationUpdate true "Latitude and longitude as decimal strings"
// @Success 202 {object} goutils.RestAPIBaseResponse "accepted"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user/{userID}/location [post]
func (h APIRestTrackingHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, localLogTags)
	}()

	userID, ok := mux.Vars(r)["userID"]
	if !ok || userID == "" {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var update LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		msg := "Invalid location"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.tracker.SubmitLocation(r.Context(), userID, update.Lat, update.Lng); err != nil {
		msg := fmt.Sprintf("Unable to queue location update of %s", userID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if common.IsFailureKind(err, common.FailureInvalidInput) {
			respCode = http.StatusBadRequest
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UpdateLocationHandler Wrapper around UpdateLocation
func (h APIRestTrackingHandler) UpdateLocationHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.requireToken(h.UpdateLocation, true))
}

// -----------------------------------------------------------------------

// RegisterLogin godoc
// @Summary Record a login attempt
// @Description Set the last login date of the user and count the attempt
// @tags Tracking
// @Produce json
// @Param Parksense-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token of the user"
// @Param userID path string true "User ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user/{userID}/login [post]
func (h APIRestTrackingHandler) RegisterLogin(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, localLogTags)
	}()

	userID, ok := mux.Vars(r)["userID"]
	if !ok || userID == "" {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.tracker.RegisterLoginAttempt(r.Context(), userID); err != nil {
		msg := fmt.Sprintf("Unable to register login attempt of %s", userID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if common.IsFailureKind(err, common.FailureNotFound) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RegisterLoginHandler Wrapper around RegisterLogin
func (h APIRestTrackingHandler) RegisterLoginHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.requireToken(h.RegisterLogin, true))
}

// =======================================================================
// Presence

// APIRestRespPresence response to presence snapshot query
type APIRestRespPresence struct {
	goutils.RestAPIBaseResponse
	// Users presence records keyed by user ID
	Users presence.Snapshot `json:"users"`
}

// GetPresence godoc
// @Summary Query live users
// @Description Fetch the presence records of all users seen within the TTL
// @tags Tracking
// @Produce json
// @Param Parksense-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token"
// @Success 200 {object} APIRestRespPresence "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/presence [get]
func (h APIRestTrackingHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	resp := APIRestRespPresence{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Users: h.cache.Snapshot(),
	}
	h.reply(w, http.StatusOK, resp, localLogTags)
}

// GetPresenceHandler Wrapper around GetPresence
func (h APIRestTrackingHandler) GetPresenceHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.requireToken(h.GetPresence, false))
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestTrackingHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), h.logTagsForRequest(r))
}

// AliveHandler Wrapper around Alive
func (h APIRestTrackingHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the store and every other dependency is usable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestTrackingHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			msg := fmt.Sprintf("%s not ready", name)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			h.reply(
				w,
				http.StatusInternalServerError,
				h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
				localLogTags,
			)
			return
		}
	}
	h.reply(w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), localLogTags)
}

// ReadyHandler Wrapper around Ready
func (h APIRestTrackingHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}
