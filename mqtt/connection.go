// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt provides packet-level connection handling shared by all
// transports.
package mqtt

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/voltmq/mqtt/packets"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
)

const controlBurst = 32

var (
	_ Connection = (*connection)(nil)

	ErrCannotEncodeNilPacket = errors.New("cannot encode nil packet")
	ErrSendQueueFull         = errors.New("send queue full: client disconnected")
)

// Connection represents a network connection that can read/write MQTT packets.
type Connection interface {
	net.Conn
	PacketReader
	PacketWriter
	SetKeepAlive(t time.Duration) error
	Touch()
}

// PacketWriter is an interface for writing packets.
//
// Control packets (acks, pings) and data packets (publishes) go
// through separate queues; the send loop prioritizes control packets
// so a flood of publishes cannot starve the QoS handshake.
type PacketWriter interface {
	WritePacket(pkt packets.ControlPacket) error
	WriteControlPacket(pkt packets.ControlPacket, onSent func()) error
	WriteDataPacket(pkt packets.ControlPacket, onSent func()) error
}

// PacketReader is an interface for reading packets.
type PacketReader interface {
	ReadPacket() (packets.ControlPacket, error)
}

// sendItem is queued for asynchronous socket writes.
type sendItem struct {
	pkt    packets.ControlPacket
	onSent func()
}

// connection wraps a net.Conn and provides MQTT packet-level I/O.
type connection struct {
	conn          net.Conn
	reader        io.Reader
	maxPacketSize int

	mu sync.RWMutex

	sendMu           sync.Mutex
	controlCh        chan sendItem
	dataCh           chan sendItem
	closeCh          chan struct{}
	closeOnce        sync.Once
	sendWg           sync.WaitGroup
	disconnectOnFull bool
	closed           atomic.Bool

	lastActivity time.Time
}

// NewConnection creates a new MQTT connection wrapping a network connection.
// queueSize <= 0 keeps synchronous writes; queueSize > 0 enables asynchronous
// queued writes. maxPacketSize bounds the remaining length of inbound
// packets, 0 means unlimited.
func NewConnection(conn net.Conn, queueSize, maxPacketSize int, disconnectOnFull bool) Connection {
	c := &connection{
		conn:             conn,
		reader:           conn,
		maxPacketSize:    maxPacketSize,
		disconnectOnFull: disconnectOnFull,
	}

	if queueSize > 0 {
		controlCap := queueSize / 4
		if controlCap < 1 {
			controlCap = 1
		}
		c.controlCh = make(chan sendItem, controlCap)
		c.dataCh = make(chan sendItem, queueSize)
		c.closeCh = make(chan struct{})

		c.sendWg.Add(1)
		go c.sendLoop()
	}

	return c
}

// ReadPacket reads the next MQTT packet from the connection.
func (c *connection) ReadPacket() (packets.ControlPacket, error) {
	c.Touch()

	return v3.ReadPacketLimit(c.reader, c.maxPacketSize)
}

func (c *connection) WritePacket(pkt packets.ControlPacket) error {
	return c.WriteControlPacket(pkt, nil)
}

func (c *connection) WriteControlPacket(pkt packets.ControlPacket, onSent func()) error {
	if pkt == nil {
		return ErrCannotEncodeNilPacket
	}

	if c.controlCh == nil {
		return c.writeSync(pkt, onSent)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	item := sendItem{pkt: pkt, onSent: onSent}
	select {
	case c.controlCh <- item:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

func (c *connection) WriteDataPacket(pkt packets.ControlPacket, onSent func()) error {
	if pkt == nil {
		return ErrCannotEncodeNilPacket
	}

	if c.dataCh == nil {
		return c.writeSync(pkt, onSent)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	item := sendItem{pkt: pkt, onSent: onSent}
	if c.disconnectOnFull {
		select {
		case c.dataCh <- item:
			return nil
		case <-c.closeCh:
			return net.ErrClosed
		default:
			c.markClosed()
			_ = c.conn.Close()
			return ErrSendQueueFull
		}
	}

	select {
	case c.dataCh <- item:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

func (c *connection) writeSync(pkt packets.ControlPacket, onSent func()) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}

	if err := pkt.Pack(c.conn); err != nil {
		return err
	}
	if onSent != nil {
		onSent()
	}
	return nil
}

// sendLoop drains the control queue ahead of the data queue, letting a
// burst of at most controlBurst control packets pass before servicing
// data again so neither queue starves.
func (c *connection) sendLoop() {
	defer c.sendWg.Done()

	for {
		controlCount := 0

		for draining := true; draining && controlCount < controlBurst; {
			select {
			case <-c.closeCh:
				return
			case item := <-c.controlCh:
				if !c.doWrite(item) {
					return
				}
				controlCount++
			default:
				draining = false
			}
		}

		if controlCount == controlBurst {
			select {
			case <-c.closeCh:
				return
			case item := <-c.dataCh:
				if !c.doWrite(item) {
					return
				}
			default:
			}
			continue
		}

		select {
		case <-c.closeCh:
			return
		case item := <-c.controlCh:
			if !c.doWrite(item) {
				return
			}
		default:
			select {
			case <-c.closeCh:
				return
			case item := <-c.controlCh:
				if !c.doWrite(item) {
					return
				}
			case item := <-c.dataCh:
				if !c.doWrite(item) {
					return
				}
			}
		}
	}
}

func (c *connection) doWrite(item sendItem) bool {
	if err := item.pkt.Pack(c.conn); err != nil {
		c.markClosed()
		_ = c.conn.Close()
		return false
	}
	if item.onSent != nil {
		item.onSent()
	}
	return true
}

func (c *connection) markClosed() {
	c.closed.Store(true)
	if c.closeCh != nil {
		c.closeOnce.Do(func() {
			close(c.closeCh)
		})
	}
}

func (c *connection) Read(b []byte) (n int, err error) {
	return c.conn.Read(b)
}

func (c *connection) Write(b []byte) (n int, err error) {
	return c.conn.Write(b)
}

func (c *connection) Close() error {
	c.markClosed()
	err := c.conn.Close()
	if c.controlCh != nil {
		c.sendWg.Wait()
	}
	return err
}

func (c *connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *connection) SetKeepAlive(d time.Duration) error {
	// SetKeepAliveConfig is only available on *net.TCPConn
	// For TLS connections, we need to check the underlying connection type
	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		cfg := net.KeepAliveConfig{
			Enable:   true,
			Idle:     d,
			Interval: d,
		}
		return tcpConn.SetKeepAliveConfig(cfg)
	}
	// For other connection types (like TLS), keep-alive might be handled differently
	// or not supported - just return nil
	return nil
}

func (c *connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}
