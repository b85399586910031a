package kernel

import (
	"context"
	"encoding/json"
	"os/user"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/messages"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrHandshakeTimeout = errors.New("timeout trying to connect to existing kernel")
	ErrHeartbeatTimeout = errors.New("timeout waiting for kernel heartbeat")
	ErrClosed           = errors.New("kernel client closed")
)

type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	MimeType      string `json:"mimetype,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`
}

type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

type Options struct {
	Dialer   Dialer
	Clock    clock.Clock
	Username string
}

// Client talks to a kernel some other process started. It never owns
// that process: restart, interrupt and shutdown do nothing, and Close only
// releases the sockets opened here.
type Client struct {
	desc    connfile.Descriptor
	session *messages.Session
	dialer  Dialer
	clock   clock.Clock

	mu       sync.Mutex
	channels []Channel
	closed   bool
}

func NewClient(desc connfile.Descriptor, opts Options) (*Client, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	signer, err := messages.NewSigner(desc.Key, desc.SignatureScheme)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = ZMQDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Username == "" {
		if u, err := user.Current(); err == nil {
			opts.Username = u.Username
		}
	}
	return &Client{
		desc:    desc,
		session: messages.NewSession(opts.Username, signer),
		dialer:  opts.Dialer,
		clock:   opts.Clock,
	}, nil
}

// Descriptor is the endpoint set the client is bound to.
func (c *Client) Descriptor() connfile.Descriptor {
	return c.desc
}

func (c *Client) Session() *messages.Session {
	return c.session
}

func (c *Client) dial(ch connfile.Channel) (Channel, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.dialer.Dial(ch, c.desc.Endpoint(ch), []byte(c.session.ID))
}

// connect opens a channel the client keeps track of and closes on Close.
func (c *Client) connect(ch connfile.Channel) (Channel, error) {
	conn, err := c.dial(ch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.channels = append(c.channels, conn)
	return conn, nil
}

func (c *Client) ConnectShell() (Channel, error) { return c.connect(connfile.Shell) }
func (c *Client) ConnectIOPub() (Channel, error) { return c.connect(connfile.IOPub) }
func (c *Client) ConnectStdin() (Channel, error) { return c.connect(connfile.Stdin) }
func (c *Client) ConnectHeartbeat() (Channel, error) { return c.connect(connfile.Heartbeat) }
func (c *Client) ConnectControl() (Channel, error) { return c.connect(connfile.Control) }

// GetKernelInfo sends one kernel_info_request on a fresh shell channel and
// waits at most timeout for the matching reply. Exactly one of the reply
// and ErrHandshakeTimeout is returned; the shell channel is closed either
// way and the timer never outlives the call.
func (c *Client) GetKernelInfo(ctx context.Context, timeout time.Duration) (*KernelInfoReply, error) {
	h := newHandshake()
	h.setTimer(c.clock.AfterFunc(timeout, func() {
		if h.settle(nil, ErrHandshakeTimeout) {
			log.Warn().Msgf("Timeout waiting for kernel_info_reply from existing kernel at %s", c.desc.Endpoint(connfile.Shell))
		}
	}))
	go c.requestKernelInfo(h)

	select {
	case <-h.done:
	case <-ctx.Done():
		h.settle(nil, ctx.Err())
	}
	return h.result()
}

func (c *Client) requestKernelInfo(h *handshake) {
	shell, err := c.dial(connfile.Shell)
	if err != nil {
		h.settle(nil, err)
		return
	}
	if !h.attach(shell) {
		return
	}
	header := c.session.NewHeader("kernel_info_request")
	frames, err := c.session.Encode(header, nil)
	if err != nil {
		h.settle(nil, err)
		return
	}
	if err := shell.Send(frames); err != nil {
		h.settle(nil, errors.Wrap(err, "sending kernel_info_request"))
		return
	}
	for {
		raw, err := shell.Recv()
		if err != nil {
			h.settle(nil, errors.Wrap(err, "receiving kernel_info_reply"))
			return
		}
		msg, err := c.session.Decode(raw)
		if err != nil {
			h.settle(nil, err)
			return
		}
		if msg.Header.MsgType != "kernel_info_reply" || msg.ParentMsgID() != header.MsgID {
			log.Debug().Msgf("Ignoring %s while waiting for kernel_info_reply", msg.Header.MsgType)
			continue
		}
		reply := &KernelInfoReply{}
		if err := json.Unmarshal(msg.Content, reply); err != nil {
			h.settle(nil, errors.Wrap(err, "decoding kernel_info_reply"))
			return
		}
		if h.settle(reply, nil) {
			log.Info().Msgf("Received kernel_info_reply from existing kernel (%s %s)", reply.Implementation, reply.LanguageInfo.Name)
		}
		return
	}
}

// Heartbeat pings the hb channel and waits at most timeout for the echo.
func (c *Client) Heartbeat(timeout time.Duration) error {
	hb, err := c.dial(connfile.Heartbeat)
	if err != nil {
		return err
	}
	defer hb.Close()
	ping := []byte("ping")
	if err := hb.Send([][]byte{ping}); err != nil {
		return errors.Wrap(err, "sending heartbeat")
	}
	echo := make(chan error, 1)
	go func() {
		_, err := hb.Recv()
		echo <- err
	}()
	select {
	case err := <-echo:
		return errors.Wrap(err, "receiving heartbeat")
	case <-c.clock.After(timeout):
		return ErrHeartbeatTimeout
	}
}

// The kernel belongs to another process; lifecycle requests are ignored.

func (c *Client) Restart() error { return nil }
func (c *Client) Interrupt() error { return nil }
func (c *Client) Shutdown(now bool) error { return nil }
func (c *Client) AddRestartCallback(f func()) {}
func (c *Client) RemoveRestartCallback(f func()) {}
func (c *Client) Cleanup(removeConnectionFile bool) {}
func (c *Client) IsAlive() bool { return true }

// Close releases every channel opened through the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()
	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
