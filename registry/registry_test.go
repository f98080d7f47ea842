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
	"testing"

	"github.com/alwitt/parksense/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type dummyConnection struct {
	name string
}

func (c *dummyConnection) Send(_ common.TransferMessage) error {
	return nil
}

func TestConnectionRegistrySubscriptions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionRegistry("testing")
	assert.Nil(err)

	connA := &dummyConnection{name: "a"}
	connB := &dummyConnection{name: "b"}

	// Case 0: register two connections
	idA := uut.Register(connA)
	idB := uut.Register(connB)
	assert.NotEqual(idA, idB)
	assert.Equal(2, uut.Count())
	assert.Empty(uut.ForEach(common.CategoryLiveUsers))

	// Case 1: subscribe only A
	{
		assert.Nil(uut.Subscribe(idA, common.CategoryLiveUsers))
		subscribed := uut.ForEach(common.CategoryLiveUsers)
		assert.Len(subscribed, 1)
		assert.Equal(connA, subscribed[0])
		conn, ok := uut.Lookup(idA, common.CategoryLiveUsers)
		assert.True(ok)
		assert.Equal(connA, conn)
		_, ok = uut.Lookup(idB, common.CategoryLiveUsers)
		assert.False(ok)
	}

	// Case 2: subscribing twice keeps one membership
	{
		assert.Nil(uut.Subscribe(idA, common.CategoryLiveUsers))
		categories, err := uut.Categories(idA)
		assert.Nil(err)
		assert.Equal([]common.DataCategory{common.CategoryLiveUsers}, categories)
	}

	// Case 3: unsubscribe of an absent category is a no-op
	{
		assert.Nil(uut.Unsubscribe(idB, common.CategoryLiveUsers))
		categories, err := uut.Categories(idB)
		assert.Nil(err)
		assert.Empty(categories)
	}

	// Case 4: unsubscribe A
	{
		assert.Nil(uut.Unsubscribe(idA, common.CategoryLiveUsers))
		assert.Empty(uut.ForEach(common.CategoryLiveUsers))
	}

	// Case 5: unknown connection is a stale connection failure
	{
		err := uut.Subscribe("no-such-connection", common.CategoryLiveUsers)
		assert.True(common.IsFailureKind(err, common.FailureStaleConnection))
		err = uut.Unsubscribe("no-such-connection", common.CategoryLiveUsers)
		assert.True(common.IsFailureKind(err, common.FailureStaleConnection))
		_, err = uut.Categories("no-such-connection")
		assert.True(common.IsFailureKind(err, common.FailureStaleConnection))
	}

	// Case 6: unregister is idempotent
	{
		assert.Nil(uut.Subscribe(idA, common.CategoryLiveUsers))
		uut.Unregister(idA)
		uut.Unregister(idA)
		assert.Equal(1, uut.Count())
		assert.Empty(uut.ForEach(common.CategoryLiveUsers))
		_, ok := uut.Lookup(idA, common.CategoryLiveUsers)
		assert.False(ok)
		// Late subscribe after disconnect
		err := uut.Subscribe(idA, common.CategoryLiveUsers)
		assert.True(common.IsFailureKind(err, common.FailureStaleConnection))
		assert.Empty(uut.ForEach(common.CategoryLiveUsers))
	}
}

func TestConnectionRegistryConcurrentAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetConnectionRegistry("testing")
	assert.Nil(err)

	testWG := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		testWG.Add(1)
		go func(worker int) {
			defer testWG.Done()
			for itr := 0; itr < 50; itr++ {
				connID := uut.Register(&dummyConnection{name: fmt.Sprintf("%d-%d", worker, itr)})
				_ = uut.Subscribe(connID, common.CategoryLiveUsers)
				for _, conn := range uut.ForEach(common.CategoryLiveUsers) {
					assert.NotNil(conn)
				}
				uut.Unregister(connID)
			}
		}(worker)
	}
	testWG.Wait()
	assert.Equal(0, uut.Count())
}
