// Package modbus provides the polling-protocol connector node and the
// register-read client boundary it drives.
package modbus

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/dusen0528/Node-Blue/errors"
)

// ReadRequest describes one holding-register read.
type ReadRequest struct {
	SlaveID      int
	StartAddress int
	Quantity     int
}

// ReadResponse carries the outcome of a read that reached the device.
// Exception reports a protocol-level refusal (illegal address, busy slave);
// that is a normal outcome, not a transport failure.
type ReadResponse struct {
	Exception        bool
	ExceptionMessage string
	Values           []int16
}

// Client is the boundary to the external register-read collaborator.
// Transport failures surface as returned errors; protocol exceptions
// surface as an exception response with a nil error.
type Client interface {
	Connect() error
	Read(req ReadRequest) (ReadResponse, error)
	Close() error
	Connected() bool
}

// TCPClient reads holding registers over Modbus TCP.
type TCPClient struct {
	handler   *mb.TCPClientHandler
	client    mb.Client
	connected atomic.Bool
}

var _ Client = (*TCPClient)(nil)

// NewTCPClient creates a client for the device at host:port. A timeout of
// zero keeps the library default.
func NewTCPClient(host string, port int, timeout time.Duration) *TCPClient {
	handler := mb.NewTCPClientHandler(net.JoinHostPort(host, strconv.Itoa(port)))
	if timeout > 0 {
		handler.Timeout = timeout
	}
	return &TCPClient{
		handler: handler,
		client:  mb.NewClient(handler),
	}
}

// Connect dials the device.
func (c *TCPClient) Connect() error {
	if err := c.handler.Connect(); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// Read issues a holding-register read and decodes the big-endian register
// words into signed 16-bit values.
func (c *TCPClient) Read(req ReadRequest) (ReadResponse, error) {
	c.handler.SlaveId = byte(req.SlaveID)

	raw, err := c.client.ReadHoldingRegisters(uint16(req.StartAddress), uint16(req.Quantity))
	if err != nil {
		var protoErr *mb.ModbusError
		if errors.As(err, &protoErr) {
			return ReadResponse{Exception: true, ExceptionMessage: protoErr.Error()}, nil
		}
		c.connected.Store(false)
		return ReadResponse{}, err
	}

	return ReadResponse{Values: decodeRegisters(raw)}, nil
}

// Close releases the connection. Safe to call when never connected.
func (c *TCPClient) Close() error {
	c.connected.Store(false)
	return c.handler.Close()
}

// Connected reports whether the last transport interaction succeeded.
func (c *TCPClient) Connected() bool {
	return c.connected.Load()
}

func decodeRegisters(raw []byte) []int16 {
	values := make([]int16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		values = append(values, int16(binary.BigEndian.Uint16(raw[i:i+2])))
	}
	return values
}
