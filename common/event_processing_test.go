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
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

type orderedTestTask struct {
	key   string
	value int
}

func (t orderedTestTask) RoutingKey() string {
	return t.key
}

func TestTaskProcessorOrderingAndReentry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)

	received := make(chan int, 100)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(orderedTestTask{}), func(p interface{}) error {
			task := p.(orderedTestTask)
			received <- task.value
			// Re-entrant submit from within the event loop must not block
			if task.key == "reenter" {
				return uut.Submit(orderedTestTask{key: "nested", value: task.value + 1000}, ctxt)
			}
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: submit more than the buffer hint, order is preserved
	{
		for itr := 0; itr < 20; itr++ {
			assert.Nil(uut.Submit(orderedTestTask{key: "a", value: itr}, ctxt))
		}
		for itr := 0; itr < 20; itr++ {
			select {
			case v := <-received:
				assert.Equal(itr, v)
			case <-time.After(time.Second):
				assert.Fail("timed out waiting for task")
				return
			}
		}
	}

	// Case 2: handler submits back into the processor
	{
		assert.Nil(uut.Submit(orderedTestTask{key: "reenter", value: 1}, ctxt))
		for _, expected := range []int{1, 1001} {
			select {
			case v := <-received:
				assert.Equal(expected, v)
			case <-time.After(time.Second):
				assert.Fail("timed out waiting for task")
				return
			}
		}
	}

	// Case 3: submit after stop
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.Submit(orderedTestTask{key: "a", value: 1}, ctxt))
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid worker count
	{
		_, err := GetNewTaskDemuxProcessorInstance("testing", 4, 0, ctxt)
		assert.NotNil(err)
	}

	uut, err := GetNewTaskDemuxProcessorInstance("testing", 4, 3, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	lock := sync.Mutex{}
	perKey := map[string][]int{}
	testWG := sync.WaitGroup{}
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(orderedTestTask{}): func(p interface{}) error {
			task := p.(orderedTestTask)
			lock.Lock()
			perKey[task.key] = append(perKey[task.key], task.value)
			lock.Unlock()
			testWG.Done()
			return nil
		},
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: interleave submissions for several keys
	keys := []string{"user-1", "user-2", "user-3", "user-4"}
	{
		testWG.Add(len(keys) * 10)
		for itr := 0; itr < 10; itr++ {
			for _, key := range keys {
				assert.Nil(uut.Submit(orderedTestTask{key: key, value: itr}, ctxt))
			}
		}
		testWG.Wait()
	}

	// Each key must observe its own submission order
	lock.Lock()
	defer lock.Unlock()
	for _, key := range keys {
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, perKey[key])
	}

	// Keyed routing is stable
	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(uutc.workerFor(orderedTestTask{key: "user-1"}), uutc.workerFor(orderedTestTask{key: "user-1"}))
}
