package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/messages"
	"github.com/pkg/errors"
)

const testKey = "a0436f6c-1916-498b-8eb9-e81ab9368e84"

type fakeChannel struct {
	kind   connfile.Channel
	inbox  chan [][]byte
	closed chan struct{}
	onSend func(c *fakeChannel, frames [][]byte)

	mu     sync.Mutex
	sent   [][][]byte
	closes int
}

func newFakeChannel(kind connfile.Channel) *fakeChannel {
	return &fakeChannel{kind: kind, inbox: make(chan [][]byte, 16), closed: make(chan struct{})}
}

func (c *fakeChannel) Send(frames [][]byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, frames)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(c, frames)
	}
	return nil
}

func (c *fakeChannel) Recv() ([][]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("channel closed")
	default:
	}
	select {
	case frames := <-c.inbox:
		return frames, nil
	case <-c.closed:
		return nil, errors.New("channel closed")
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	mu        sync.Mutex
	endpoints []string
	channels  []*fakeChannel
	setup     func(c *fakeChannel)
	dialed    chan *fakeChannel
}

func newFakeDialer(setup func(c *fakeChannel)) *fakeDialer {
	return &fakeDialer{setup: setup, dialed: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(ch connfile.Channel, endpoint string, identity []byte) (Channel, error) {
	c := newFakeChannel(ch)
	if d.setup != nil {
		d.setup(c)
	}
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	d.channels = append(d.channels, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testDescriptor(t *testing.T) connfile.Descriptor {
	t.Helper()
	desc, err := connfile.Parse("kernel-test.json", []byte(`{
		"shell_port": 50001, "iopub_port": 50002, "stdin_port": 50003,
		"control_port": 50004, "hb_port": 50005, "ip": "127.0.0.1",
		"key": "`+testKey+`", "transport": "tcp", "kernel_name": "python3"
	}`))
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	return desc
}

func kernelSession(t *testing.T) *messages.Session {
	t.Helper()
	signer, err := messages.NewSigner(testKey, "hmac-sha256")
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	return messages.NewSession("kernel", signer)
}

// replyingShell answers every kernel_info_request, after a status message
// that must be skipped.
func replyingShell(t *testing.T) func(c *fakeChannel) {
	k := kernelSession(t)
	return func(c *fakeChannel) {
		c.onSend = func(c *fakeChannel, frames [][]byte) {
			req, err := k.Decode(frames)
			if err != nil {
				t.Errorf("kernel could not decode request: %v", err)
				return
			}
			noise, _ := k.Encode(k.NewHeader("status"), map[string]string{"execution_state": "busy"})
			reply, _ := k.EncodeReply(req.Header, "kernel_info_reply", KernelInfoReply{
				Status:          "ok",
				ProtocolVersion: messages.ProtocolVersion,
				Implementation:  "ipython",
				LanguageInfo:    LanguageInfo{Name: "python", Version: "3.11.4"},
			})
			c.inbox <- noise
			c.inbox <- reply
		}
	}
}

func TestGetKernelInfoReply(t *testing.T) {
	mock := clock.NewMock()
	dialer := newFakeDialer(replyingShell(t))
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: mock, Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	info, err := client.GetKernelInfo(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if info.Implementation != "ipython" || info.LanguageInfo.Name != "python" {
		t.Fatalf("unexpected reply %+v", info)
	}
	if dialer.endpoints[0] != "tcp://127.0.0.1:50001" {
		t.Fatalf("shell dialed at %s", dialer.endpoints[0])
	}
	shell := dialer.channels[0]
	if shell.closeCount() != 1 {
		t.Fatalf("shell closed %d times", shell.closeCount())
	}
	// the timer was stopped, firing the clock afterwards changes nothing
	mock.Add(10 * time.Second)
	if shell.closeCount() != 1 {
		t.Fatalf("shell closed %d times after timeout elapsed", shell.closeCount())
	}
}

func TestGetKernelInfoTimeout(t *testing.T) {
	mock := clock.NewMock()
	dialer := newFakeDialer(nil)
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: mock, Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	type result struct {
		info *KernelInfoReply
		err  error
	}
	out := make(chan result, 1)
	go func() {
		info, err := client.GetKernelInfo(context.Background(), 5*time.Second)
		out <- result{info, err}
	}()
	shell := <-dialer.dialed
	mock.Add(5 * time.Second)

	var res result
	select {
	case res = <-out:
	case <-time.After(5 * time.Second):
		t.Fatalf("GetKernelInfo did not return after the timeout elapsed")
	}
	if !errors.Is(res.err, ErrHandshakeTimeout) || res.info != nil {
		t.Fatalf("expected ErrHandshakeTimeout, got %v %+v", res.err, res.info)
	}
	// the request goroutine may still be attaching the channel
	eventually(t, func() bool { return shell.closeCount() == 1 })
}

func TestGetKernelInfoCancelled(t *testing.T) {
	dialer := newFakeDialer(nil)
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: clock.NewMock(), Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.GetKernelInfo(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandshakeSettlesOnce(t *testing.T) {
	mock := clock.NewMock()
	h := newHandshake()
	fired := make(chan struct{}, 1)
	h.setTimer(mock.AfterFunc(time.Second, func() {
		if h.settle(nil, ErrHandshakeTimeout) {
			fired <- struct{}{}
		}
	}))
	ch := newFakeChannel(connfile.Shell)
	if !h.attach(ch) {
		t.Fatalf("attach before settlement must succeed")
	}
	mock.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer did not settle the handshake")
	}
	if h.settle(&KernelInfoReply{Status: "ok"}, nil) {
		t.Fatalf("a late reply must not settle the handshake again")
	}
	reply, err := h.result()
	if reply != nil || !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("unexpected result %+v %v", reply, err)
	}
	if ch.closeCount() != 1 {
		t.Fatalf("channel closed %d times", ch.closeCount())
	}
	late := newFakeChannel(connfile.Shell)
	if h.attach(late) || late.closeCount() != 1 {
		t.Fatalf("a channel attached after settlement must be closed")
	}
}

func TestReplyBeforeTimeoutStopsTimer(t *testing.T) {
	mock := clock.NewMock()
	h := newHandshake()
	calls := 0
	h.setTimer(mock.AfterFunc(time.Second, func() { calls++ }))
	if !h.settle(&KernelInfoReply{Status: "ok"}, nil) {
		t.Fatalf("first settle must win")
	}
	mock.Add(2 * time.Second)
	if calls != 0 {
		t.Fatalf("timer fired after the reply settled the handshake")
	}
}

func TestHeartbeat(t *testing.T) {
	dialer := newFakeDialer(func(c *fakeChannel) {
		c.onSend = func(c *fakeChannel, frames [][]byte) { c.inbox <- frames }
	})
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: clock.NewMock(), Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := client.Heartbeat(time.Second); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if dialer.endpoints[0] != "tcp://127.0.0.1:50005" {
		t.Fatalf("heartbeat dialed at %s", dialer.endpoints[0])
	}
}

func TestLifecycleIsNoop(t *testing.T) {
	dialer := newFakeDialer(nil)
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: clock.NewMock(), Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := client.Restart(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := client.Interrupt(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := client.Shutdown(true); err != nil {
		t.Fatalf("Err: %v", err)
	}
	client.AddRestartCallback(func() {})
	client.Cleanup(true)
	if !client.IsAlive() {
		t.Fatalf("an attached kernel is always reported alive")
	}
	if len(dialer.endpoints) != 0 {
		t.Fatalf("lifecycle calls must not touch the kernel, dialed %v", dialer.endpoints)
	}
	shell, err := client.ConnectShell()
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if shell.(*fakeChannel).closeCount() != 1 {
		t.Fatalf("Close must release opened channels")
	}
	if _, err := client.ConnectIOPub(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
