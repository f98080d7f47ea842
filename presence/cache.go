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

package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/apex/log"
)

// Record the derived presence data of one user
type Record struct {
	// FirstName user first name
	FirstName string `json:"firstName"`
	// LastName user last name, empty if not known
	LastName string `json:"lastName"`
	// Owners names of the partners owning the user, in the user's partner order
	Owners []string `json:"owners"`
	// Email user email
	Email string `json:"email"`
	// TimeOfExistence whole days since the user registered
	TimeOfExistence int `json:"timeOfExistence"`
	// Lat latitude as received in the location update
	Lat string `json:"lat"`
	// Lng longitude as received in the location update
	Lng string `json:"lng"`
}

func (r Record) copy() Record {
	result := r
	if r.Owners != nil {
		result.Owners = make([]string, len(r.Owners))
		copy(result.Owners, r.Owners)
	}
	return result
}

// Snapshot presence records keyed by user ID
type Snapshot map[string]Record

// EventKind what caused a ChangeEvent
type EventKind string

const (
	// EventUpdated a record was written
	EventUpdated EventKind = "updated"
	// EventExpired one or more records were evicted by a sweep
	EventExpired EventKind = "expired"
)

// ChangeEvent signal describing a mutation of the cache
type ChangeEvent struct {
	Kind EventKind
	// UserID the user whose record was written. Empty for EventExpired.
	UserID string
	// Evicted number of records removed. Zero for EventUpdated.
	Evicted int
	// Snapshot the cache content right after the mutation
	Snapshot Snapshot
}

// ChangeHandler callback on cache mutation.
//
// The handler is called while the cache is still locked, so events are delivered in the
// same order as the mutations. It must not call back into the cache and must return quickly.
type ChangeHandler func(event ChangeEvent)

// Cache time bounded store of per-user presence records
type Cache interface {
	// Put insert or replace the record of a user, resetting its expiry
	Put(userID string, record Record)
	// Snapshot fetch all records which have not exceeded the TTL
	Snapshot() Snapshot
	// Sweep evict all records which exceeded the TTL, returning the number evicted.
	// No change event is raised when nothing was evicted.
	Sweep() int
	// SetChangeHandler install the mutation callback
	SetChangeHandler(handler ChangeHandler)
	// Start begin the periodic sweep
	Start() error
	// Stop end the periodic sweep
	Stop() error
}

type cacheEntry struct {
	record    Record
	writtenAt time.Time
}

// cacheImpl implements Cache
type cacheImpl struct {
	common.Component
	lock        sync.Mutex
	entries     map[string]cacheEntry
	ttl         time.Duration
	sweepPeriod time.Duration
	handler     ChangeHandler
	sweeper     common.IntervalTimer
	now         func() time.Time
}

// GetPresenceCache define a new presence cache
func GetPresenceCache(
	instance string,
	config common.PresenceConfig,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Cache, error) {
	component, err := definePresenceCache(instance, config, ctxt, wg, time.Now)
	if err != nil {
		return nil, err
	}
	return component, nil
}

func definePresenceCache(
	instance string,
	config common.PresenceConfig,
	ctxt context.Context,
	wg *sync.WaitGroup,
	now func() time.Time,
) (*cacheImpl, error) {
	if config.TTL < 1 || config.SweepPeriod < 1 {
		return nil, fmt.Errorf(
			"invalid presence cache timing: TTL %ds, sweep period %ds", config.TTL, config.SweepPeriod,
		)
	}
	logTags := log.Fields{
		"module": "presence", "component": "cache", "instance": instance,
	}
	sweeper, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s.sweeper", instance), ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &cacheImpl{
		Component:   common.Component{LogTags: logTags},
		entries:     make(map[string]cacheEntry),
		ttl:         config.TTLDuration(),
		sweepPeriod: config.SweepPeriodDuration(),
		sweeper:     sweeper,
		now:         now,
	}, nil
}

// SetChangeHandler install the mutation callback
func (c *cacheImpl) SetChangeHandler(handler ChangeHandler) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handler = handler
}

// snapshotLocked build a snapshot of the live entries. Caller must hold the lock.
func (c *cacheImpl) snapshotLocked(currentTime time.Time) Snapshot {
	result := make(Snapshot, len(c.entries))
	for userID, entry := range c.entries {
		if currentTime.Sub(entry.writtenAt) > c.ttl {
			continue
		}
		result[userID] = entry.record.copy()
	}
	return result
}

// Put insert or replace the record of a user, resetting its expiry
func (c *cacheImpl) Put(userID string, record Record) {
	c.lock.Lock()
	defer c.lock.Unlock()
	currentTime := c.now()
	c.entries[userID] = cacheEntry{record: record.copy(), writtenAt: currentTime}
	log.WithFields(c.LogTags).Debugf("Stored presence of user %s", userID)
	if c.handler != nil {
		c.handler(ChangeEvent{
			Kind: EventUpdated, UserID: userID, Snapshot: c.snapshotLocked(currentTime),
		})
	}
}

// Snapshot fetch all records which have not exceeded the TTL
func (c *cacheImpl) Snapshot() Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.snapshotLocked(c.now())
}

// Sweep evict all records which exceeded the TTL, returning the number evicted.
// The change handler is called once per sweep, and only when something was evicted.
func (c *cacheImpl) Sweep() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	currentTime := c.now()
	evicted := 0
	for userID, entry := range c.entries {
		if currentTime.Sub(entry.writtenAt) > c.ttl {
			delete(c.entries, userID)
			evicted++
		}
	}
	if evicted == 0 {
		return 0
	}
	log.WithFields(c.LogTags).Debugf("Evicted %d expired presence records", evicted)
	if c.handler != nil {
		c.handler(ChangeEvent{
			Kind: EventExpired, Evicted: evicted, Snapshot: c.snapshotLocked(currentTime),
		})
	}
	return evicted
}

// Start begin the periodic sweep
func (c *cacheImpl) Start() error {
	return c.sweeper.Start(c.sweepPeriod, func() error {
		c.Sweep()
		return nil
	}, false)
}

// Stop end the periodic sweep
func (c *cacheImpl) Stop() error {
	return c.sweeper.Stop()
}
