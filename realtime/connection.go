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

package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/apex/log"
	"golang.org/x/net/websocket"
)

// Frame events exchanged over the websocket
const (
	// EventListening the connection subscribes to a data category
	EventListening = "listening"
	// EventNotListening the connection unsubscribes from a data category
	EventNotListening = "not_listening"
	// EventMessage a TransferMessage, in either direction
	EventMessage = "messageEvent"
)

// pushFrame server to client frame
type pushFrame struct {
	Event string                 `json:"event"`
	Data  common.TransferMessage `json:"data"`
}

// wsConnection a websocket connection registered with the connection registry.
//
// Pushes are queued and written by a dedicated goroutine so a slow client never blocks
// the dispatcher. A full queue drops the push.
type wsConnection struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	lock         sync.Mutex
	closed       bool
	outbound     chan common.TransferMessage
	done         chan struct{}
}

func newWSConnection(
	conn *websocket.Conn, queueLen int, writeTimeout time.Duration, logTags log.Fields,
) *wsConnection {
	if queueLen < 1 {
		queueLen = 1
	}
	return &wsConnection{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		writeTimeout: writeTimeout,
		outbound:     make(chan common.TransferMessage, queueLen),
		done:         make(chan struct{}),
	}
}

// Send queue a push to the client
func (c *wsConnection) Send(msg common.TransferMessage) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return common.NewFailure(
			common.FailureStaleConnection, "push", fmt.Errorf("connection closed"),
		)
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("outbound queue full, dropped %s", msg)
	}
}

// writeLoop write queued pushes until the connection closes
func (c *wsConnection) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := websocket.JSON.Send(c.conn, pushFrame{Event: EventMessage, Data: msg}); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Push write failed, closing connection")
				// Unblocks the read loop
				_ = c.conn.Close()
				return
			}
		}
	}
}

// close stop accepting pushes and end the write loop
func (c *wsConnection) close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
