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

package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// TopicPresenceChanged internal topic carrying presence.ChangeEvent
const TopicPresenceChanged = "presence-changed"

// ConnectionMessageTopic internal topic carrying messages sent by connections for a category
func ConnectionMessageTopic(category common.DataCategory) string {
	return fmt.Sprintf("connection-message/%s", category)
}

// TopicHandler callback on a message published to a subscribed internal topic.
//
// Handlers run on the dispatcher event loop. Publishing from inside a handler is allowed.
type TopicHandler func(topic string, msg interface{}) error

// ========================================================================================
// Dispatcher pushes data to subscribed connections, and provides the internal
// publish / subscribe channel between producers and pushers
type Dispatcher interface {
	// Broadcast push a payload to connections subscribed to a category. If target is given,
	// only that connection receives it, and only if it is subscribed to the category.
	Broadcast(category common.DataCategory, payload interface{}, target *string) int
	// Publish queue a message for delivery to the subscribers of an internal topic
	Publish(topic string, msg interface{}) error
	// Subscribe register a handler for an internal topic
	Subscribe(topic string, handler TopicHandler) (string, error)
	// Unsubscribe remove a handler registration
	Unsubscribe(token string) error
	// RelayFromConnection publish a message received from a connection, stamped with its origin
	RelayFromConnection(connID string, msg common.TransferMessage) error
	// Start start the internal delivery loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the internal delivery loop
	Stop() error
}

// topicSubscription one internal topic handler registration
type topicSubscription struct {
	topic   string
	handler TopicHandler
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	connections   registry.ConnectionRegistry
	tp            common.TaskProcessor
	lock          sync.RWMutex
	subscriptions map[string]topicSubscription
	topicOrder    map[string][]string
}

// GetDispatcher define a new dispatcher
func GetDispatcher(
	instance string, connections registry.ConnectionRegistry, ctxt context.Context,
) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(fmt.Sprintf("%s.tp", instance), 32, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instanceObj := &dispatcherImpl{
		Component:     common.Component{LogTags: logTags},
		connections:   connections,
		tp:            tp,
		subscriptions: make(map[string]topicSubscription),
		topicOrder:    make(map[string][]string),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(dispatchPublishReq{}), instanceObj.processPublishRequest,
	); err != nil {
		return nil, err
	}
	return instanceObj, nil
}

// ========================================================================================

// Broadcast push a payload to connections subscribed to a category
func (d *dispatcherImpl) Broadcast(
	category common.DataCategory, payload interface{}, target *string,
) int {
	var recipients []registry.Connection
	if target != nil {
		conn, ok := d.connections.Lookup(*target, category)
		if !ok {
			log.WithFields(d.LogTags).Debugf(
				"Connection %s not subscribed to %s, skipping targeted push", *target, category,
			)
			return 0
		}
		recipients = []registry.Connection{conn}
	} else {
		recipients = d.connections.ForEach(category)
	}
	msg := common.TransferMessage{Type: category, Data: payload}
	delivered := 0
	for _, conn := range recipients {
		if err := d.sendOne(conn, msg); err != nil {
			log.WithError(err).WithFields(d.LogTags).Warnf("Push of %s failed", msg)
			continue
		}
		delivered++
	}
	log.WithFields(d.LogTags).Debugf(
		"Pushed %s to %d of %d connections", category, delivered, len(recipients),
	)
	return delivered
}

// sendOne push to a single connection, isolating a panic in the connection's Send
func (d *dispatcherImpl) sendOne(conn registry.Connection, msg common.TransferMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection send panicked: %v", r)
		}
	}()
	return conn.Send(msg)
}

// ========================================================================================

type dispatchPublishReq struct {
	topic string
	msg   interface{}
}

// Publish queue a message for delivery to the subscribers of an internal topic
func (d *dispatcherImpl) Publish(topic string, msg interface{}) error {
	return d.tp.Submit(dispatchPublishReq{topic: topic, msg: msg}, context.Background())
}

func (d *dispatcherImpl) processPublishRequest(params interface{}) error {
	if request, ok := params.(dispatchPublishReq); ok {
		return d.ProcessPublishRequest(request.topic, request.msg)
	}
	err := fmt.Errorf("received unexpected call %s", reflect.TypeOf(params))
	log.WithError(err).WithFields(d.LogTags).Error("Processing failed")
	return err
}

// ProcessPublishRequest deliver a published message to every handler of the topic
func (d *dispatcherImpl) ProcessPublishRequest(topic string, msg interface{}) error {
	// Copy out the handlers so a handler may subscribe / unsubscribe
	d.lock.RLock()
	tokens := d.topicOrder[topic]
	handlers := make([]TopicHandler, 0, len(tokens))
	for _, token := range tokens {
		handlers = append(handlers, d.subscriptions[token].handler)
	}
	d.lock.RUnlock()
	if len(handlers) == 0 {
		log.WithFields(d.LogTags).Debugf("No subscribers for topic %s", topic)
		return nil
	}
	for _, handler := range handlers {
		if err := d.runHandler(topic, msg, handler); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Handler for topic %s failed", topic)
		}
	}
	return nil
}

func (d *dispatcherImpl) runHandler(topic string, msg interface{}, handler TopicHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(topic, msg)
}

// Subscribe register a handler for an internal topic
func (d *dispatcherImpl) Subscribe(topic string, handler TopicHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("no handler given for topic %s", topic)
	}
	token := uuid.New().String()
	d.lock.Lock()
	defer d.lock.Unlock()
	d.subscriptions[token] = topicSubscription{topic: topic, handler: handler}
	d.topicOrder[topic] = append(d.topicOrder[topic], token)
	log.WithFields(d.LogTags).Debugf("New subscriber %s on topic %s", token, topic)
	return token, nil
}

// Unsubscribe remove a handler registration
func (d *dispatcherImpl) Unsubscribe(token string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	subscription, ok := d.subscriptions[token]
	if !ok {
		return fmt.Errorf("unknown subscription token %s", token)
	}
	delete(d.subscriptions, token)
	remaining := make([]string, 0, len(d.topicOrder[subscription.topic]))
	for _, existing := range d.topicOrder[subscription.topic] {
		if existing != token {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		delete(d.topicOrder, subscription.topic)
	} else {
		d.topicOrder[subscription.topic] = remaining
	}
	log.WithFields(d.LogTags).Debugf("Removed subscriber %s from topic %s", token, subscription.topic)
	return nil
}

// ========================================================================================

// RelayFromConnection publish a message received from a connection, stamped with its origin
func (d *dispatcherImpl) RelayFromConnection(connID string, msg common.TransferMessage) error {
	if err := common.ValidateDataCategory(msg.Type); err != nil {
		return common.NewFailure(common.FailureInvalidInput, "relay-connection-message", err)
	}
	origin := connID
	msg.ConnectionID = &origin
	return d.Publish(ConnectionMessageTopic(msg.Type), msg)
}

// Start start the internal delivery loop
func (d *dispatcherImpl) Start(wg *sync.WaitGroup) error {
	return d.tp.StartEventLoop(wg)
}

// Stop stop the internal delivery loop
func (d *dispatcherImpl) Stop() error {
	return d.tp.StopEventLoop()
}
