package broker

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientSocketType selects which ingress a Client connects to: Push talks to
// the broker's fire-and-forget PULL endpoint, Req talks to its
// acknowledged REP endpoint.
type ClientSocketType int

const (
	Push ClientSocketType = iota
	Req
)

// Client is a thin producer-side wrapper connecting to one of the broker's
// ingress endpoints. Grounded on drone-ci-butler's QueueClient.
type Client struct {
	socketType ClientSocketType
	address    string
	socket     *zmq.Socket
	connected  bool
}

// NewClient builds a Client for the given ingress type and bound address,
// applying the same default high-water mark (1) as the broker side.
func NewClient(address string, socketType ClientSocketType, highWaterMark int) (*Client, error) {
	resolved, err := resolveZMQAddress(address)
	if err != nil {
		return nil, err
	}
	if highWaterMark <= 0 {
		highWaterMark = 1
	}

	zmqType := zmq.PUSH
	if socketType == Req {
		zmqType = zmq.REQ
	}
	socket, err := zmq.NewSocket(zmqType)
	if err != nil {
		return nil, err
	}
	if err := socket.SetSndhwm(highWaterMark); err != nil {
		return nil, err
	}

	return &Client{socketType: socketType, address: resolved, socket: socket}, nil
}

// Connect dials the broker's endpoint.
func (c *Client) Connect() error {
	if err := c.socket.Connect(c.address); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Send submits a job envelope. For a Req client this blocks for the
// broker's acknowledgement (the same envelope echoed back); for a Push
// client it returns as soon as the send is accepted by the local queue.
func (c *Client) Send(env Envelope) (Envelope, error) {
	if !c.connected {
		return Envelope{}, fmt.Errorf("broker client is not connected")
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := c.socket.SendBytes(raw, 0); err != nil {
		return Envelope{}, err
	}

	if c.socketType != Req {
		return Envelope{}, nil
	}

	reply, err := c.socket.RecvBytes(0)
	if err != nil {
		return Envelope{}, err
	}
	return decodeEnvelope(reply)
}

// Close disconnects the underlying socket.
func (c *Client) Close() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.socket.Disconnect(c.address)
}
