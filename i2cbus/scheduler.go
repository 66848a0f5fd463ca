/*
tc2-power-controller - Battery and power state manager
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package i2cbus owns a shared I2C bus. Every transaction from every client is
// queued and run one at a time by a single worker. A client can also hold the
// bus for a burst of transactions; other clients are then told the bus is busy
// straight away instead of waiting.
package i2cbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"tinygo.org/x/drivers"
)

const (
	DefaultQueueLength = 20
	DefaultTimeout     = 100 * time.Millisecond
)

var log = logging.NewLogger("info")

// SetLogger replaces the package logger.
func SetLogger(l *logging.Logger) {
	log = l
}

var (
	ErrBusBusy = errors.New("i2c bus is held by another client")
	ErrTimeout = errors.New("timed out waiting for i2c transaction")
	ErrStopped = errors.New("i2c scheduler is not running")
)

type Scheduler struct {
	bus      drivers.I2C
	requests chan Request // Channel to queue requests
	stopped  chan struct{}

	mutex        sync.Mutex
	requestCount int
	holder       string
	stats        Stats
}

// Stats counts what the scheduler has done since it was created.
type Stats struct {
	Processed int
	Failed    int
	Skipped   int
}

type Request struct {
	RequestTime time.Time
	RequestID   int
	Client      string
	Address     uint16
	Write       []byte
	ReadLen     int
	Response    chan Response // Channel for sending back the response
}

type Response struct {
	Data []byte
	Err  error
}

// New returns a scheduler for bus. Any drivers.I2C works, including a periph
// i2c.Bus. Start must be called before clients can transact.
func New(bus drivers.I2C, queueLength int) *Scheduler {
	if queueLength <= 0 {
		queueLength = DefaultQueueLength
	}
	return &Scheduler{
		bus:      bus,
		requests: make(chan Request, queueLength),
		stopped:  make(chan struct{}),
	}
}

// Start processes queued requests sequentially until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Debug("Starting I2C scheduler")
	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-ctx.Done():
				log.Debug("Stopping I2C scheduler")
				return
			case req := <-s.requests:
				req.Response <- s.processTransaction(req)
			}
		}
	}()
}

// Acquire gives owner the bus for a burst of transactions. It never waits.
func (s *Scheduler) Acquire(owner string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.holder != "" && s.holder != owner {
		return ErrBusBusy
	}
	s.holder = owner
	return nil
}

// Release ends a burst started by owner.
func (s *Scheduler) Release(owner string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.holder == owner {
		s.holder = ""
	}
}

// Busy reports whether any client is holding the bus.
func (s *Scheduler) Busy() bool {
	return s.Holder() != ""
}

// Holder returns the name of the client holding the bus, or "".
func (s *Scheduler) Holder() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.holder
}

func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// Client returns a named handle on the bus. Each Tx waits at most timeout for
// the transaction to complete.
func (s *Scheduler) Client(name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{s: s, name: name, timeout: timeout}
}

func (s *Scheduler) nextRequestID() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.requestCount
	s.requestCount++
	return id
}

func (s *Scheduler) skipped() {
	s.mutex.Lock()
	s.stats.Skipped++
	s.mutex.Unlock()
}

func (s *Scheduler) processTransaction(req Request) Response {
	startTime := time.Now()
	log.Debugf("Waited %s for request '%d' from '%s' to be processed.", startTime.Sub(req.RequestTime), req.RequestID, req.Client)

	read := make([]byte, req.ReadLen)
	err := s.bus.Tx(req.Address, req.Write, read)

	s.mutex.Lock()
	if err != nil {
		s.stats.Failed++
	} else {
		s.stats.Processed++
	}
	s.mutex.Unlock()

	if err != nil {
		log.Debugf("I2C Tx failed. Address 0x%x, Write %v, ReadLen %d: %v", req.Address, req.Write, req.ReadLen, err)
		return Response{Err: err}
	}
	log.Debugf("I2C Tx took %s, response %v", time.Since(startTime), read)
	return Response{Data: read}
}

// Client is one user of the bus. It implements drivers.I2C so existing device
// drivers can run on top of the scheduler.
type Client struct {
	s       *Scheduler
	name    string
	timeout time.Duration
}

var _ drivers.I2C = (*Client)(nil)

func (c *Client) Name() string {
	return c.name
}

// Tx queues a transaction and waits for its result. If another client holds
// the bus ErrBusBusy is returned without queueing anything.
func (c *Client) Tx(addr uint16, w, r []byte) error {
	if holder := c.s.Holder(); holder != "" && holder != c.name {
		c.s.skipped()
		return ErrBusBusy
	}

	responseChan := make(chan Response, 1)
	request := Request{
		RequestTime: time.Now(),
		RequestID:   c.s.nextRequestID(),
		Client:      c.name,
		Address:     addr,
		Write:       append([]byte(nil), w...),
		ReadLen:     len(r),
		Response:    responseChan,
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.s.requests <- request:
	case <-timer.C:
		return ErrTimeout
	case <-c.s.stopped:
		return ErrStopped
	}

	select {
	case response := <-responseChan:
		if response.Err != nil {
			return response.Err
		}
		copy(r, response.Data)
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-c.s.stopped:
		return ErrStopped
	}
}

// Acquire holds the bus for this client.
func (c *Client) Acquire() error {
	return c.s.Acquire(c.name)
}

// Release lets other clients use the bus again.
func (c *Client) Release() {
	c.s.Release(c.name)
}

// Busy reports whether another client is holding the bus.
func (c *Client) Busy() bool {
	holder := c.s.Holder()
	return holder != "" && holder != c.name
}

// CheckAddress checks that a device answers at address.
func (c *Client) CheckAddress(address uint16) error {
	return c.Tx(address, []byte{0x00}, make([]byte, 1))
}
