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

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/parksense/auth"
	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/dispatch"
	"github.com/alwitt/parksense/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/websocket"
)

// max consecutive undecodable frames before the connection is dropped
const maxDecodeErrorsPerConn = 3

// clientFrame client to server frame
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler websocket endpoint admitting authenticated real-time connections
type Handler struct {
	common.Component
	verifier        auth.TokenVerifier
	connections     registry.ConnectionRegistry
	dispatcher      dispatch.Dispatcher
	config          common.RealtimeConfig
	requestIDHeader string
	validate        *validator.Validate
}

// GetRealtimeHandler define a new websocket endpoint handler
func GetRealtimeHandler(
	verifier auth.TokenVerifier,
	connections registry.ConnectionRegistry,
	dispatcher dispatch.Dispatcher,
	config common.RealtimeConfig,
	requestIDHeader string,
) (*Handler, error) {
	if verifier == nil || connections == nil || dispatcher == nil {
		return nil, fmt.Errorf("real-time handler is missing a dependency")
	}
	logTags := log.Fields{"module": "realtime", "component": "websocket-handler"}
	return &Handler{
		Component:       common.Component{LogTags: logTags},
		verifier:        verifier,
		connections:     connections,
		dispatcher:      dispatcher,
		config:          config,
		requestIDHeader: requestIDHeader,
		validate:        validator.New(),
	}, nil
}

// tokenFromRequest read the bearer token from the query parameter or the Authorization header
func (h *Handler) tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(h.config.TokenQueryParam)); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// LiftQueryToken middleware moving a token given as a query parameter into the
// Authorization header, so request logging further down never sees it in the URI
func (h *Handler) LiftQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if _, ok := query[h.config.TokenQueryParam]; !ok {
			next.ServeHTTP(w, r)
			return
		}
		lifted := r.Clone(r.Context())
		token := strings.TrimSpace(query.Get(h.config.TokenQueryParam))
		if token != "" && lifted.Header.Get("Authorization") == "" {
			lifted.Header.Set("Authorization", "Bearer "+token)
		}
		query.Del(h.config.TokenQueryParam)
		lifted.URL.RawQuery = query.Encode()
		lifted.RequestURI = lifted.URL.RequestURI()
		next.ServeHTTP(w, lifted)
	})
}

// ServeHTTP verify the token, then upgrade to a websocket
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := common.ReadRequestParam(r, h.requestIDHeader, h.config.TokenQueryParam)
	logTags := h.LogTagsWith(log.Fields{})
	params.UpdateLogTags(logTags)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.verifier.Verify(h.tokenFromRequest(r))
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Rejected real-time connection")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	logTags["subject"] = identity.Subject

	server := websocket.Server{
		// Mobile clients do not send an Origin
		Handshake: func(_ *websocket.Config, _ *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			h.serveConnection(conn, logTags)
		},
	}
	server.ServeHTTP(w, r)
}

// serveConnection register the connection and process its frames until it closes
func (h *Handler) serveConnection(conn *websocket.Conn, logTags log.Fields) {
	defer func() {
		_ = conn.Close()
	}()

	wsConn := newWSConnection(
		conn,
		h.config.OutboundQueueLen,
		time.Second*time.Duration(h.config.WriteTimeout),
		logTags,
	)
	connID := h.connections.Register(wsConn)
	logTags["connection_id"] = connID
	log.WithFields(logTags).Info("Real-time connection opened")

	writerWG := sync.WaitGroup{}
	writerWG.Add(1)
	go wsConn.writeLoop(&writerWG)

	defer func() {
		h.connections.Unregister(connID)
		wsConn.close()
		writerWG.Wait()
		log.WithFields(logTags).Info("Real-time connection closed")
	}()

	decodeErrors := 0
	for {
		var frame clientFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				decodeErrors++
				log.WithError(err).WithFields(logTags).Warn("Undecodable frame")
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			log.WithError(err).WithFields(logTags).Debug("Read failed")
			return
		}
		decodeErrors = 0
		if err := h.processFrame(connID, frame); err != nil {
			// Nothing is reported back to the client
			log.WithError(err).WithFields(logTags).Warnf("Unable to process '%s' frame", frame.Event)
		}
	}
}

// processFrame act on one client frame
func (h *Handler) processFrame(connID string, frame clientFrame) error {
	switch frame.Event {
	case EventListening, EventNotListening:
		var category common.DataCategory
		if err := json.Unmarshal(frame.Data, &category); err != nil {
			return common.NewFailure(common.FailureInvalidInput, frame.Event, err)
		}
		if err := common.ValidateDataCategory(category); err != nil {
			return common.NewFailure(common.FailureInvalidInput, frame.Event, err)
		}
		if frame.Event == EventListening {
			return h.connections.Subscribe(connID, category)
		}
		return h.connections.Unsubscribe(connID, category)

	case EventMessage:
		var msg common.TransferMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return common.NewFailure(common.FailureInvalidInput, frame.Event, err)
		}
		if err := h.validate.Struct(&msg); err != nil {
			return common.NewFailure(common.FailureInvalidInput, frame.Event, err)
		}
		return h.dispatcher.RelayFromConnection(connID, msg)

	default:
		return common.NewFailure(
			common.FailureInvalidInput, "frame", fmt.Errorf("unsupported event '%s'", frame.Event),
		)
	}
}
