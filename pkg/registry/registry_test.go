package registry

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/db"
	"github.com/kfsoftware/kernelbridge/pkg/kernel"
	"github.com/pkg/errors"
)

type nopDialer struct{}

func (nopDialer) Dial(ch connfile.Channel, endpoint string, identity []byte) (kernel.Channel, error) {
	return nil, errors.New("not dialing in tests")
}

type countingRoute struct {
	teardowns int
}

func (r *countingRoute) Teardown() error {
	r.teardowns++
	return nil
}

func testHandle(t *testing.T, id string, route kernel.Teardowner) *kernel.Handle {
	t.Helper()
	desc, err := connfile.Parse("kernel-"+id+".json", []byte(`{"shell_port":1,"iopub_port":2,"stdin_port":3,"control_port":4,"hb_port":5,"key":"k"}`))
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	client, err := kernel.NewClient(desc, kernel.Options{Dialer: nopDialer{}, Clock: clock.NewMock(), Username: "tester"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	return kernel.NewHandle(id, "python3", client, nil, route)
}

func TestKernelRegistry(t *testing.T) {
	r := NewKernelRegistry()
	route := &countingRoute{}
	if err := r.Add(testHandle(t, "b", route)); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := r.Add(testHandle(t, "a", nil)); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := r.Add(testHandle(t, "a", nil)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	handles := r.List()
	if len(handles) != 2 || handles[0].ID != "a" || handles[1].ID != "b" {
		t.Fatalf("unexpected listing %v", handles)
	}
	if _, err := r.Get("b"); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := r.Shutdown("b", true); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if route.teardowns != 1 {
		t.Fatalf("route torn down %d times", route.teardowns)
	}
	if _, err := r.Get("b"); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("expected ErrKernelNotFound, got %v", err)
	}
	if err := r.Shutdown("b", true); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("expected ErrKernelNotFound, got %v", err)
	}
	if err := r.Shutdown("a", true); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected an empty registry, got %d kernels", r.Len())
	}
}

func TestSessionStore(t *testing.T) {
	dbClient, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	store := NewSessionStore(dbClient)
	model, err := store.Create(SessionRequest{
		Path:   "Untitled.ipynb",
		Kernel: kernel.Model{ID: "k-1", Name: "python3", ExecutionState: "idle"},
		Info:   &kernel.KernelInfoReply{Status: "ok"},
	})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if model.ID == "" || model.Type != db.NotebookSession {
		t.Fatalf("unexpected session %+v", model)
	}
	var k kernel.Model
	if err := json.Unmarshal(model.Kernel, &k); err != nil || k.ID != "k-1" {
		t.Fatalf("unexpected kernel snapshot %s", model.Kernel)
	}
	sessions, err := store.List()
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Path != "Untitled.ipynb" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if err := store.DeleteByKernel("k-1"); err != nil {
		t.Fatalf("Err: %v", err)
	}
	sessions, _ = store.List()
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}

func TestSessionsFromPreviousRunArePurged(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	dbClient, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if _, err := NewSessionStore(dbClient).Create(SessionRequest{Path: "Untitled.ipynb", Kernel: kernel.Model{ID: "k-1"}}); err != nil {
		t.Fatalf("Err: %v", err)
	}
	sqlDB, err := dbClient.DB()
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	sqlDB.Close()

	// a restarted server reopens the same database with no kernels
	dbClient, err = db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	store := NewSessionStore(dbClient)
	removed, err := store.DeleteAll()
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one stale session removed, got %d", removed)
	}
	sessions, err := store.List()
	if err != nil || len(sessions) != 0 {
		t.Fatalf("expected no sessions after purge, got %d: %v", len(sessions), err)
	}
}
