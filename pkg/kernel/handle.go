package kernel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Teardowner releases whatever was set up to reach the kernel, such as
// forwarding processes.
type Teardowner interface {
	Teardown() error
}

// Model is the public view of a registered kernel.
type Model struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionState string    `json:"execution_state"`
	// Connections counts proxied front-end websockets. Attach does not
	// proxy any, so it is always zero.
	Connections    int       `json:"connections"`
}

// Handle is a registered connection to an existing kernel.
type Handle struct {
	*Client
	ID   string
	Name string
	Info *KernelInfoReply

	route Teardowner

	mu             sync.Mutex
	lastActivity   time.Time
	executionState string
	watching       bool
	closed         bool
}

// NewHandle wraps a client whose handshake succeeded. route may be nil
// when the kernel is reached without tunnels.
func NewHandle(id, name string, client *Client, info *KernelInfoReply, route Teardowner) *Handle {
	return &Handle{
		Client:         client,
		ID:             id,
		Name:           name,
		Info:           info,
		route:          route,
		lastActivity:   client.clock.Now(),
		executionState: "idle",
	}
}

func (h *Handle) Model() Model {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Model{
		ID:             h.ID,
		Name:           h.Name,
		LastActivity:   h.lastActivity,
		ExecutionState: h.executionState,
	}
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

// WatchActivity subscribes to iopub and records the time of every message
// and the execution state carried by status messages. It stops when the
// handle is closed.
func (h *Handle) WatchActivity() error {
	h.mu.Lock()
	if h.watching || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.watching = true
	h.mu.Unlock()

	iopub, err := h.ConnectIOPub()
	if err != nil {
		h.mu.Lock()
		h.watching = false
		h.mu.Unlock()
		return err
	}
	go h.watch(iopub)
	return nil
}

func (h *Handle) watch(iopub Channel) {
	for {
		raw, err := iopub.Recv()
		if err != nil {
			log.Debug().Str("kernel", h.ID).Msgf("Activity watcher stopped: %v", err)
			return
		}
		msg, err := h.session.Decode(raw)
		if err != nil {
			log.Warn().Str("kernel", h.ID).Msgf("Dropping iopub message: %v", err)
			continue
		}
		h.mu.Lock()
		h.lastActivity = h.clock.Now()
		if msg.Header.MsgType == "status" {
			var st statusContent
			if err := json.Unmarshal(msg.Content, &st); err == nil && st.ExecutionState != "" {
				h.executionState = st.ExecutionState
			}
		}
		h.mu.Unlock()
	}
}

// Close drops the local side of the connection: channels, watcher and
// tunnels. The kernel itself keeps running.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	err := h.Client.Close()
	if h.route != nil {
		if terr := h.route.Teardown(); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
