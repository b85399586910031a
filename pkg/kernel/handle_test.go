package kernel

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
)

type fakeRoute struct {
	teardowns int
}

func (r *fakeRoute) Teardown() error {
	r.teardowns++
	return nil
}

func TestHandleTracksActivity(t *testing.T) {
	mock := clock.NewMock()
	dialer := newFakeDialer(nil)
	client, err := NewClient(testDescriptor(t), Options{Dialer: dialer, Clock: mock, Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	route := &fakeRoute{}
	h := NewHandle("k-1", "python3", client, &KernelInfoReply{Status: "ok"}, route)
	started := h.Model().LastActivity

	if err := h.WatchActivity(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	iopub := <-dialer.dialed
	if iopub.kind != connfile.IOPub {
		t.Fatalf("watcher dialed %s", iopub.kind)
	}
	// a second call does not open another subscription
	if err := h.WatchActivity(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	mock.Add(time.Minute)
	k := kernelSession(t)
	busy, _ := k.Encode(k.NewHeader("status"), map[string]string{"execution_state": "busy"})
	iopub.inbox <- busy
	eventually(t, func() bool { return h.Model().ExecutionState == "busy" })
	if m := h.Model(); !m.LastActivity.After(started) || m.ID != "k-1" || m.Name != "python3" || m.Connections != 0 {
		t.Fatalf("unexpected model %+v", m)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if route.teardowns != 1 {
		t.Fatalf("route torn down %d times", route.teardowns)
	}
	if iopub.closeCount() != 1 {
		t.Fatalf("iopub closed %d times", iopub.closeCount())
	}
	if len(dialer.endpoints) != 1 {
		t.Fatalf("expected one dialed channel, got %v", dialer.endpoints)
	}
}
