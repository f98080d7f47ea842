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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// LocationReport location update carried over NATS
type LocationReport struct {
	// UserID is the user reporting the location
	UserID string `json:"user_id" validate:"required"`
	// Lat latitude in decimal degrees
	Lat string `json:"lat" validate:"required,latitude"`
	// Lng longitude in decimal degrees
	Lng string `json:"lng" validate:"required,longitude"`
}

// String toString function for LocationReport
func (m LocationReport) String() string {
	return fmt.Sprintf("%s@(%s, %s)", m.UserID, m.Lat, m.Lng)
}

// LocationSink receives validated location reports
type LocationSink interface {
	// SubmitLocation queue a location update
	SubmitLocation(ctxt context.Context, userID string, lat, lng string) error
}

// LocationReceiver receives location reports from a NATS subject
type LocationReceiver interface {
	// Subscribe start receiving location reports. The subscription ends with the receiver
	// context.
	Subscribe(wg *sync.WaitGroup) error
}

// locationReceiverImpl implements LocationReceiver
type locationReceiverImpl struct {
	common.Component
	subject      string
	queueGroup   string
	nats         *core.NatsClient
	sink         LocationSink
	subscribed   bool
	subscription *nats.Subscription
	lock         sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetLocationReceiver define a new location report receiver
func GetLocationReceiver(
	opContext context.Context,
	natsClient *core.NatsClient,
	sink LocationSink,
	subject, queueGroup string,
) (LocationReceiver, error) {
	if subject == "" {
		return nil, fmt.Errorf("no location subject given")
	}
	if natsClient == nil || sink == nil {
		return nil, fmt.Errorf("location receiver is missing a dependency")
	}
	logTags := log.Fields{
		"module":    "ingest",
		"component": "location-receiver",
		"subject":   subject,
	}
	if queueGroup != "" {
		logTags["queue_group"] = queueGroup
	}
	return &locationReceiverImpl{
		Component:  common.Component{LogTags: logTags},
		subject:    subject,
		queueGroup: queueGroup,
		nats:       natsClient,
		sink:       sink,
		validate:   validator.New(),
		ctxt:       opContext,
	}, nil
}

// processReport handle one raw NATS message
func (r *locationReceiverImpl) processReport(msg *nats.Msg) {
	var report LocationReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to read location report: %s", msg.Data,
		)
		return
	}
	if err := r.validate.Struct(&report); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to validate location report: %s", msg.Data,
		)
		return
	}
	log.WithFields(r.LogTags).Debugf("Received %s", report.String())
	if err := r.sink.SubmitLocation(r.ctxt, report.UserID, report.Lat, report.Lng); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to submit location report %s", report.String(),
		)
	}
}

// Subscribe start receiving location reports
func (r *locationReceiverImpl) Subscribe(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscribed {
		return fmt.Errorf("already instructed to subscribe to %s", r.subject)
	}

	var sub *nats.Subscription
	var err error
	if r.queueGroup != "" {
		sub, err = r.nats.NATs().QueueSubscribe(r.subject, r.queueGroup, r.processReport)
	} else {
		sub, err = r.nats.NATs().Subscribe(r.subject, r.processReport)
	}
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		return err
	}
	r.subscribed = true
	r.subscription = sub

	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from %s", r.subject)
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	return nil
}

// =======================================================================

// LocationPublisher publishes location reports to a NATS subject
type LocationPublisher interface {
	// PublishLocation publish one location report
	PublishLocation(ctxt context.Context, report LocationReport) error
}

// locationPublisherImpl implements LocationPublisher
type locationPublisherImpl struct {
	common.Component
	subject  string
	nats     *core.NatsClient
	validate *validator.Validate
}

// GetLocationPublisher define a new location report publisher
func GetLocationPublisher(natsClient *core.NatsClient, subject string) (LocationPublisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("no location subject given")
	}
	logTags := log.Fields{
		"module":    "ingest",
		"component": "location-publisher",
		"subject":   subject,
	}
	return &locationPublisherImpl{
		Component: common.Component{LogTags: logTags},
		subject:   subject,
		nats:      natsClient,
		validate:  validator.New(),
	}, nil
}

// PublishLocation publish one location report
func (p *locationPublisherImpl) PublishLocation(ctxt context.Context, report LocationReport) error {
	if err := p.validate.Struct(&report); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Location report invalid")
		return err
	}
	msg, err := json.Marshal(&report)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to serialize %s", report.String())
		return err
	}
	if err := p.nats.NATs().Publish(p.subject, msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to publish %s", report.String())
		return err
	}
	return p.nats.NATs().FlushWithContext(ctxt)
}
