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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/parksense/apis"
	"github.com/alwitt/parksense/auth"
	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/core"
	"github.com/alwitt/parksense/dispatch"
	"github.com/alwitt/parksense/ingest"
	"github.com/alwitt/parksense/parking"
	"github.com/alwitt/parksense/presence"
	"github.com/alwitt/parksense/realtime"
	"github.com/alwitt/parksense/registry"
	"github.com/alwitt/parksense/storage"
	"github.com/alwitt/parksense/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// parksenseServer all the components of one server instance
type parksenseServer struct {
	common.Component
	store       storage.Store
	cache       presence.Cache
	connections registry.ConnectionRegistry
	dispatcher  dispatch.Dispatcher
	tracker     tracking.LocationTracker
	receiver    ingest.LocationReceiver
	handler     http.Handler
}

// defineServer construct and wire every component. natsClient is optional; location
// ingest over NATS is only set up when it and the NATS config are given.
func defineServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*parksenseServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}

	store, err := storage.GetSQLiteStore(config.Storage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define store")
		return nil, err
	}

	cache, err := presence.GetPresenceCache(instance, config.Presence, runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define presence cache")
		return nil, err
	}

	connections, err := registry.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return nil, err
	}

	dispatcher, err := dispatch.GetDispatcher(instance, connections, runtimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, err
	}

	if err := tracking.InstallPresenceFanOut(cache, dispatcher); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install presence fan-out")
		return nil, err
	}

	detector, err := parking.GetDetector(instance, store, config.Parking)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define parking detector")
		return nil, err
	}

	tracker, err := tracking.GetLocationTracker(
		instance, store, detector, cache, config.Pipeline, runtimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define location tracker")
		return nil, err
	}

	verifier, err := auth.GetTokenVerifier(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return nil, err
	}

	rtHandler, err := realtime.GetRealtimeHandler(
		verifier, connections, dispatcher, config.Realtime, config.HTTP.Logging.RequestIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define real-time handler")
		return nil, err
	}

	checks := map[string]apis.ReadinessCheck{"store": store.Ready}
	var receiver ingest.LocationReceiver
	if natsClient != nil && config.NATS != nil {
		checks["nats"] = natsClient.Ready
		receiver, err = ingest.GetLocationReceiver(
			runtimeContext, natsClient, tracker, config.NATS.LocationSubject, config.NATS.QueueGroup,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define location receiver")
			return nil, err
		}
	}

	httpHandler, err := apis.GetAPIRestTrackingHandler(
		tracker, cache, verifier, checks, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	// -------------------------------------------------------------------
	// Define the routes

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.PathPrefix, nil)

	// Location tracking
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/location", map[string]http.HandlerFunc{
			"post": httpHandler.UpdateLocationHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/user/{userID}/login", map[string]http.HandlerFunc{
			"post": httpHandler.RegisterLoginHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/presence", map[string]http.HandlerFunc{
		"get": httpHandler.GetPresenceHandler(),
	})

	// Real-time connections
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/realtime", map[string]http.HandlerFunc{
		"get": rtHandler.ServeHTTP,
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Move query tokens into the Authorization header ahead of access logging
	router.Use(rtHandler.LiftQueryToken)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	return &parksenseServer{
		Component:   common.Component{LogTags: logTags},
		store:       store,
		cache:       cache,
		connections: connections,
		dispatcher:  dispatcher,
		tracker:     tracker,
		receiver:    receiver,
		handler:     h2c.NewHandler(router, &http2.Server{}),
	}, nil
}

// start start the background processing of every component
func (s *parksenseServer) start(wg *sync.WaitGroup) error {
	if err := s.dispatcher.Start(wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start dispatcher")
		return err
	}
	if err := s.tracker.Start(wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start location tracker")
		return err
	}
	if err := s.cache.Start(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start presence sweep")
		return err
	}
	if s.receiver != nil {
		if err := s.receiver.Subscribe(wg); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to start location receiver")
			return err
		}
	}
	return nil
}

// stop stop the background processing, and release the store
func (s *parksenseServer) stop() {
	log.WithFields(s.LogTags).Infof("Stopping with %d open connections", s.connections.Count())
	if err := s.cache.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop presence sweep")
	}
	if err := s.tracker.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop location tracker")
	}
	if err := s.dispatcher.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop dispatcher")
	}
	if err := s.store.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close store")
	}
}

// RunServer run the parksense server until the runtime context ends
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	server, err := defineServer(localCtxt, config, instance, natsClient, wg)
	if err != nil {
		return err
	}
	if err := server.start(wg); err != nil {
		server.stop()
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.HTTP.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      server.handler,
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(server.LogTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(server.LogTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(server.LogTags).Error("Failure during HTTP shutdown")
		}
	}

	server.stop()
	return nil
}
