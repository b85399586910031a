package kernel

import (
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/pkg/errors"
)

// Channel is one connected kernel message stream.
type Channel interface {
	Send(frames [][]byte) error
	// Recv blocks until a message arrives or the channel is closed.
	Recv() ([][]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ch connfile.Channel, endpoint string, identity []byte) (Channel, error)
}

// ZMQDialer connects channels with the socket types kernels expect:
// DEALER for shell, stdin and control, SUB for iopub and REQ for the
// heartbeat.
type ZMQDialer struct{}

func (ZMQDialer) Dial(ch connfile.Channel, endpoint string, identity []byte) (Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	var sock zmq4.Socket
	switch ch {
	case connfile.Shell, connfile.Stdin, connfile.Control:
		sock = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	case connfile.IOPub:
		sock = zmq4.NewSub(ctx)
	case connfile.Heartbeat:
		sock = zmq4.NewReq(ctx)
	default:
		cancel()
		return nil, errors.Errorf("unknown channel %s", ch)
	}
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		cancel()
		return nil, errors.Wrapf(err, "connecting %s to %s", ch, endpoint)
	}
	if ch == connfile.IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			cancel()
			return nil, errors.Wrap(err, "subscribing to iopub")
		}
	}
	return &zmqChannel{sock: sock, cancel: cancel}, nil
}

type zmqChannel struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (c *zmqChannel) Send(frames [][]byte) error {
	return c.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (c *zmqChannel) Recv() ([][]byte, error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (c *zmqChannel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.err = c.sock.Close()
	})
	return c.err
}
