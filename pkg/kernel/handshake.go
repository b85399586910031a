package kernel

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// handshake is the pending result of one kernel_info round trip. The
// reply path and the timer race to settle it; whichever comes first
// wins and runs the cleanup, every later settle is a no-op.
type handshake struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	reply   *KernelInfoReply
	err     error
	timer   *clock.Timer
	channel Channel
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

func (h *handshake) setTimer(t *clock.Timer) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		t.Stop()
		return
	}
	h.timer = t
	h.mu.Unlock()
}

// attach hands the shell channel to the handshake so cleanup closes it.
// It returns false, and closes ch, if the handshake already settled.
func (h *handshake) attach(ch Channel) bool {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		ch.Close()
		return false
	}
	h.channel = ch
	h.mu.Unlock()
	return true
}

// settle records the outcome and reports whether this call won.
func (h *handshake) settle(reply *KernelInfoReply, err error) bool {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return false
	}
	h.settled = true
	h.reply, h.err = reply, err
	timer, ch := h.timer, h.channel
	h.timer, h.channel = nil, nil
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if ch != nil {
		ch.Close()
	}
	close(h.done)
	return true
}

func (h *handshake) result() (*KernelInfoReply, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reply, h.err
}
