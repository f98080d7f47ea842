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

package common

import (
	"fmt"
)

// DataCategory identifies a class of payload pushed to real-time connections
type DataCategory string

const (
	// CategoryLiveUsers is the snapshot of users currently present in the presence cache
	CategoryLiveUsers DataCategory = "live-users"
)

// KnownDataCategories the set of categories a connection may declare interest in
var KnownDataCategories = map[DataCategory]bool{
	CategoryLiveUsers: true,
}

// ValidateDataCategory check whether a category is one the service can push
func ValidateDataCategory(category DataCategory) error {
	if !KnownDataCategories[category] {
		return fmt.Errorf("unknown data category '%s'", category)
	}
	return nil
}

// TransferMessage envelope exchanged between producers, the dispatcher, and connections
type TransferMessage struct {
	// Type is the data category of the message
	Type DataCategory `json:"type" validate:"required"`
	// ID optional record identifier
	ID *string `json:"id,omitempty"`
	// Link optional reference to a related resource
	Link *string `json:"link,omitempty"`
	// ConnectionID the originating connection. Only the dispatcher sets this when relaying
	// a connection sourced message.
	ConnectionID *string `json:"socket_id,omitempty"`
	// Data opaque payload
	Data interface{} `json:"data"`
}

// String toString function
func (m TransferMessage) String() string {
	origin := "-"
	if m.ConnectionID != nil {
		origin = *m.ConnectionID
	}
	return fmt.Sprintf("MSG[%s FROM:%s]", m.Type, origin)
}
