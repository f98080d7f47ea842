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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/parksense/auth"
	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"golang.org/x/net/websocket"
)

func testSystemConfig(t *testing.T) *common.SystemConfig {
	return &common.SystemConfig{
		HTTP: common.HTTPConfig{
			Server: common.HTTPServerConfig{ListenOn: "127.0.0.1", Port: 3000},
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: "Parksense-Request-ID",
				DoNotLogHeaders: []string{"Authorization"},
			},
			PathPrefix: "/",
		},
		Realtime: common.RealtimeConfig{
			TokenQueryParam: "token", OutboundQueueLen: 8, WriteTimeout: 2,
		},
		Auth:     common.AuthConfig{JWTSecret: "unit-test-secret", Issuer: "parksense"},
		Presence: common.PresenceConfig{TTL: 1200, SweepPeriod: 60},
		Parking:  common.ParkingConfig{DetectRadiusKM: 0.5, CooldownMS: 900000, EarthRadiusKM: 6378.1},
		Storage: common.StorageConfig{
			DBPath:             filepath.Join(t.TempDir(), "parksense.db"),
			WriteRetryAttempts: 3,
			QueryTimeout:       5,
		},
		Pipeline: common.PipelineConfig{Workers: 2, QueueLen: 8},
	}
}

// accessLogs apex log handler keeping every entry as text
type accessLogs struct {
	lock    sync.Mutex
	entries []string
}

func (c *accessLogs) HandleLog(e *log.Entry) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries = append(c.entries, fmt.Sprintf("%s %v", e.Message, e.Fields))
	return nil
}

func (c *accessLogs) containing(s string) []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []string{}
	for _, entry := range c.entries {
		if strings.Contains(entry, s) {
			result = append(result, entry)
		}
	}
	return result
}

type livePush struct {
	Event string `json:"event"`
	Data  struct {
		Type common.DataCategory               `json:"type"`
		Data map[string]map[string]interface{} `json:"data"`
	} `json:"data"`
}

func TestServerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	config := testSystemConfig(t)

	// Case 0: invalid config
	{
		badConfig := testSystemConfig(t)
		badConfig.Auth.JWTSecret = ""
		_, err := defineServer(utCtxt, badConfig, "ut-server", nil, &wg)
		assert.NotNil(err)
	}

	uut, err := defineServer(utCtxt, config, "ut-server", nil, &wg)
	assert.Nil(err)
	assert.Nil(uut.start(&wg))
	defer uut.stop()

	// Seed the store
	{
		assert.Nil(uut.store.CreatePartner(utCtxt, storage.Partner{ID: "p1", Name: "Blue Parking"}))
		assert.Nil(uut.store.CreateUser(utCtxt, storage.User{
			ID:           "u1",
			FirstName:    "Ann",
			Email:        "ann@example.com",
			OwnerIDs:     []string{"p1"},
			CreationDate: time.Now().Add(-time.Hour * 49),
		}))
		assert.Nil(uut.store.CreateParkingLocation(utCtxt, storage.ParkingLocation{
			ID: "lot-1", Name: "Lot 1", Lat: 40.4170, Lng: -3.7038,
		}))
	}

	testServer := httptest.NewServer(uut.handler)
	defer testServer.Close()

	callREST := func(method, path, token string, body []byte) *http.Response {
		req, err := http.NewRequest(method, testServer.URL+path, bytes.NewReader(body))
		assert.Nil(err)
		req.Header.Set("content-type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		return resp
	}

	// Case 1: health checks
	for _, path := range []string{"/v1/alive", "/v1/ready"} {
		resp, err := http.Get(testServer.URL + path)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/v1/realtime"

	// Case 2: real-time connection without a token
	{
		_, err := websocket.Dial(wsURL, "", testServer.URL)
		assert.NotNil(err)
	}

	// Case 3: subscribe to live users
	token, err := auth.SignToken(config.Auth, "viewer-1", time.Minute)
	assert.Nil(err)
	conn, err := websocket.Dial(fmt.Sprintf("%s?token=%s", wsURL, token), "", testServer.URL)
	assert.Nil(err)
	defer func() {
		_ = conn.Close()
	}()
	assert.Nil(websocket.JSON.Send(conn, map[string]interface{}{
		"event": "listening", "data": common.CategoryLiveUsers,
	}))
	subscribed := false
	for itr := 0; itr < 200; itr++ {
		if len(uut.connections.ForEach(common.CategoryLiveUsers)) == 1 {
			subscribed = true
			break
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.True(subscribed)

	userToken, err := auth.SignToken(config.Auth, "u1", time.Minute)
	assert.Nil(err)

	// Case 4: location update reaches the subscriber
	{
		body, err := json.Marshal(map[string]string{"lat": "40.4171", "lng": "-3.7038"})
		assert.Nil(err)
		resp := callREST("POST", "/v1/user/u1/location", userToken, body)
		assert.Equal(http.StatusAccepted, resp.StatusCode)
		_ = resp.Body.Close()

		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 3))
		var push livePush
		assert.Nil(websocket.JSON.Receive(conn, &push))
		assert.Equal("messageEvent", push.Event)
		assert.Equal(common.CategoryLiveUsers, push.Data.Type)
		assert.Contains(push.Data.Data, "u1")
		assert.Equal("Ann", push.Data.Data["u1"]["firstName"])
		assert.Equal("40.4171", push.Data.Data["u1"]["lat"])
		assert.EqualValues(2, push.Data.Data["u1"]["timeOfExistence"])
	}

	// Case 5: the update was persisted, and the user was seen parked
	{
		visits, err := uut.store.ListParkedVisits(utCtxt, "u1")
		assert.Nil(err)
		assert.Len(visits, 1)
		assert.Equal("lot-1", visits[0].ParkingID)
		history, err := uut.store.ListLocationHistory(utCtxt, "u1")
		assert.Nil(err)
		assert.Len(history, 1)
	}

	// Case 6: presence snapshot over REST
	{
		resp := callREST("GET", "/v1/presence", token, nil)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var msg struct {
			Success bool                              `json:"success"`
			Users   map[string]map[string]interface{} `json:"users"`
		}
		assert.Nil(json.NewDecoder(resp.Body).Decode(&msg))
		_ = resp.Body.Close()
		assert.True(msg.Success)
		assert.Contains(msg.Users, "u1")
	}

	// Case 7: a connection requesting the live users gets the snapshot
	{
		assert.Nil(websocket.JSON.Send(conn, map[string]interface{}{
			"event": "messageEvent", "data": map[string]interface{}{"type": "live-users"},
		}))
		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 3))
		var push livePush
		assert.Nil(websocket.JSON.Receive(conn, &push))
		assert.Equal(common.CategoryLiveUsers, push.Data.Type)
		assert.Contains(push.Data.Data, "u1")
	}

	// Case 8: login attempt of an unknown user
	{
		unknownToken, err := auth.SignToken(config.Auth, "unknown", time.Minute)
		assert.Nil(err)
		resp := callREST("POST", "/v1/user/unknown/login", unknownToken, nil)
		assert.Equal(http.StatusNotFound, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 9: REST calls without a valid token are refused
	{
		resp := callREST("GET", "/v1/presence", "", nil)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()

		body, err := json.Marshal(map[string]string{"lat": "40.4171", "lng": "-3.7038"})
		assert.Nil(err)
		resp = callREST("POST", "/v1/user/u1/location", "not-a-jwt", body)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()

		resp = callREST("POST", "/v1/user/u1/location", token, body)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 10: the access log of a query token connection does not carry the token
	{
		captured := &accessLogs{}
		previous := log.Log.(*log.Logger).Handler
		log.SetHandler(captured)
		defer log.SetHandler(previous)

		shortToken, err := auth.SignToken(config.Auth, "viewer-2", time.Minute)
		assert.Nil(err)
		shortConn, err := websocket.Dial(
			fmt.Sprintf("%s?token=%s", wsURL, shortToken), "", testServer.URL,
		)
		assert.Nil(err)
		_ = shortConn.Close()

		logged := false
		for itr := 0; itr < 200; itr++ {
			if len(captured.containing("GET /v1/realtime")) > 0 {
				logged = true
				break
			}
			time.Sleep(time.Millisecond * 10)
		}
		assert.True(logged)
		assert.Empty(captured.containing(shortToken))
	}
}
