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
	"fmt"
	"reflect"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/dispatch"
	"github.com/alwitt/parksense/presence"
	"github.com/apex/log"
)

// InstallPresenceFanOut connect the presence cache to the live-users subscribers.
//
// Cache mutations are published on the dispatcher's internal channel, and pushed from there
// as full snapshots to every live-users subscriber. A live-users message sent by a connection
// is answered with the current snapshot pushed to that connection only.
func InstallPresenceFanOut(cache presence.Cache, dispatcher dispatch.Dispatcher) error {
	logTags := log.Fields{"module": "tracking", "component": "presence-fan-out"}

	// Runs under the cache lock, so only queue the event
	cache.SetChangeHandler(func(event presence.ChangeEvent) {
		if err := dispatcher.Publish(dispatch.TopicPresenceChanged, event); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to publish presence %s event", event.Kind)
		}
	})

	if _, err := dispatcher.Subscribe(
		dispatch.TopicPresenceChanged,
		func(_ string, msg interface{}) error {
			event, ok := msg.(presence.ChangeEvent)
			if !ok {
				return fmt.Errorf("unexpected presence change message %s", reflect.TypeOf(msg))
			}
			delivered := dispatcher.Broadcast(common.CategoryLiveUsers, event.Snapshot, nil)
			log.WithFields(logTags).Debugf(
				"Presence %s: %d live users pushed to %d connections",
				event.Kind, len(event.Snapshot), delivered,
			)
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe to presence changes")
		return err
	}

	if _, err := dispatcher.Subscribe(
		dispatch.ConnectionMessageTopic(common.CategoryLiveUsers),
		func(_ string, msg interface{}) error {
			request, ok := msg.(common.TransferMessage)
			if !ok {
				return fmt.Errorf("unexpected connection message %s", reflect.TypeOf(msg))
			}
			if request.ConnectionID == nil {
				return fmt.Errorf("connection message %s has no origin", request)
			}
			dispatcher.Broadcast(common.CategoryLiveUsers, cache.Snapshot(), request.ConnectionID)
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe to live-users requests")
		return err
	}
	return nil
}
