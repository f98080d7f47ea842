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

package registry

import (
	"fmt"
	"sync"

	"github.com/alwitt/parksense/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Connection a live real-time connection which can receive pushes
type Connection interface {
	// Send push a message to the connection. Must not block for long.
	Send(msg common.TransferMessage) error
}

// ConnectionRegistry tracks live connections and the data categories each subscribed to
type ConnectionRegistry interface {
	// Register admit a new connection with an empty interest set
	Register(conn Connection) string
	// Unregister remove a connection and its interest set. No-op if already absent.
	Unregister(connID string)
	// Subscribe add a category to the interest set of a connection
	Subscribe(connID string, category common.DataCategory) error
	// Unsubscribe remove a category from the interest set of a connection
	Unsubscribe(connID string, category common.DataCategory) error
	// ForEach list the connections currently subscribed to a category
	ForEach(category common.DataCategory) []Connection
	// Lookup fetch a connection if it is currently subscribed to a category
	Lookup(connID string, category common.DataCategory) (Connection, bool)
	// Categories list the categories a connection is subscribed to
	Categories(connID string) ([]common.DataCategory, error)
	// Count number of live connections
	Count() int
}

// registeredConnection one live connection entry
type registeredConnection struct {
	conn      Connection
	interests map[common.DataCategory]bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]*registeredConnection
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]*registeredConnection),
	}, nil
}

// Register admit a new connection with an empty interest set
func (r *connectionRegistryImpl) Register(conn Connection) string {
	connID := uuid.New().String()
	r.lock.Lock()
	r.connections[connID] = &registeredConnection{
		conn: conn, interests: make(map[common.DataCategory]bool),
	}
	total := len(r.connections)
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Registered connection %s (%d live)", connID, total)
	return connID
}

// Unregister remove a connection and its interest set. No-op if already absent.
func (r *connectionRegistryImpl) Unregister(connID string) {
	r.lock.Lock()
	_, ok := r.connections[connID]
	delete(r.connections, connID)
	r.lock.Unlock()
	if ok {
		log.WithFields(r.LogTags).Debugf("Unregistered connection %s", connID)
	}
}

func (r *connectionRegistryImpl) staleConnection(operation, connID string) error {
	err := common.NewFailure(
		common.FailureStaleConnection, operation, fmt.Errorf("connection %s not registered", connID),
	)
	log.WithError(err).WithFields(r.LogTags).Warn("Ignoring request on unknown connection")
	return err
}

// Subscribe add a category to the interest set of a connection
func (r *connectionRegistryImpl) Subscribe(connID string, category common.DataCategory) error {
	r.lock.Lock()
	entry, ok := r.connections[connID]
	if ok {
		entry.interests[category] = true
	}
	r.lock.Unlock()
	if !ok {
		return r.staleConnection("subscribe", connID)
	}
	log.WithFields(r.LogTags).Debugf("Connection %s subscribed to %s", connID, category)
	return nil
}

// Unsubscribe remove a category from the interest set of a connection
func (r *connectionRegistryImpl) Unsubscribe(connID string, category common.DataCategory) error {
	r.lock.Lock()
	entry, ok := r.connections[connID]
	if ok {
		delete(entry.interests, category)
	}
	r.lock.Unlock()
	if !ok {
		return r.staleConnection("unsubscribe", connID)
	}
	log.WithFields(r.LogTags).Debugf("Connection %s unsubscribed from %s", connID, category)
	return nil
}

// ForEach list the connections currently subscribed to a category
func (r *connectionRegistryImpl) ForEach(category common.DataCategory) []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]Connection, 0, len(r.connections))
	for _, entry := range r.connections {
		if entry.interests[category] {
			result = append(result, entry.conn)
		}
	}
	return result
}

// Lookup fetch a connection if it is currently subscribed to a category
func (r *connectionRegistryImpl) Lookup(
	connID string, category common.DataCategory,
) (Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.connections[connID]
	if !ok || !entry.interests[category] {
		return nil, false
	}
	return entry.conn, true
}

// Categories list the categories a connection is subscribed to
func (r *connectionRegistryImpl) Categories(connID string) ([]common.DataCategory, error) {
	r.lock.RLock()
	entry, ok := r.connections[connID]
	var result []common.DataCategory
	if ok {
		result = make([]common.DataCategory, 0, len(entry.interests))
		for category := range entry.interests {
			result = append(result, category)
		}
	}
	r.lock.RUnlock()
	if !ok {
		return nil, r.staleConnection("list-categories", connID)
	}
	return result, nil
}

// Count number of live connections
func (r *connectionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}
