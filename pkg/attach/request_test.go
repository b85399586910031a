package attach

import (
	"net/http"
	"testing"
	"time"

	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/probe"
	"github.com/pkg/errors"
)

func TestParseRequestDefaults(t *testing.T) {
	req, err := ParseRequest(Params{})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if req.ConnFile != "kernel-*.json" || req.Server != "localhost" || req.Transport != connfile.TransportIPC ||
		req.Port != 22 || req.Timeout != 5*time.Second || req.Dir != "" {
		t.Fatalf("unexpected defaults %+v", req)
	}
}

func TestParseRequestPathAndOverrides(t *testing.T) {
	req, err := ParseRequest(Params{Path: "runtime/kernel-abc123.json", Server: "10.0.0.5", Transport: "TCP", Port: "0", Timeout: "1"})
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if req.ConnFile != "kernel-abc123.json" || req.Dir != "runtime" {
		t.Fatalf("unexpected connection file %q in %q", req.ConnFile, req.Dir)
	}
	if req.Transport != connfile.TransportTCP || req.Port != 0 || req.Timeout != time.Second {
		t.Fatalf("unexpected request %+v", req)
	}
	req, err = ParseRequest(Params{ConnFile: "abc", Port: "65535"})
	if err != nil || req.ConnFile != "abc" || req.Port != 65535 {
		t.Fatalf("unexpected request %+v: %v", req, err)
	}
}

func TestParseRequestRejects(t *testing.T) {
	bad := []Params{
		{Transport: "udp"},
		{Port: "ssh"},
		{Port: "-1"},
		{Port: "65536"},
		{Timeout: "soon"},
		{Timeout: "0"},
	}
	for _, p := range bad {
		_, err := ParseRequest(p)
		if err == nil {
			t.Fatalf("expected %+v to be rejected", p)
		}
		if StatusCode(err) != http.StatusBadRequest {
			t.Fatalf("expected 400 for %+v, got %d", p, StatusCode(err))
		}
	}
}

func TestStatusCodes(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       http.StatusBadRequest,
		KindNotFound:         http.StatusNotFound,
		KindTunnel:           http.StatusNotFound,
		KindHandshakeTimeout: http.StatusNotFound,
		KindRegistration:     http.StatusInternalServerError,
	}
	for kind, code := range cases {
		if got := StatusCode(newError(kind, errors.New("x"))); got != code {
			t.Fatalf("%s: expected %d, got %d", kind, code, got)
		}
	}
	if StatusCode(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("unexpected status for an untyped error")
	}
	tunnelErr := newError(KindTunnel, probe.Outcome{Kind: probe.AuthFailed, Detail: "Permission denied"}.Err())
	if Reason(tunnelErr) != probe.AuthFailed.String() {
		t.Fatalf("unexpected reason %s", Reason(tunnelErr))
	}
}
