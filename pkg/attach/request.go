package attach

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/pkg/errors"
)

const (
	DefaultServer    = "localhost"
	DefaultTransport = connfile.TransportIPC
	DefaultPort      = 22
	DefaultTimeout   = 5 * time.Second
)

// Params are the raw request parameters. Empty fields take defaults.
type Params struct {
	// Path is the optional connection file path taken from the URL. Its
	// directory part becomes the search directory.
	Path      string
	ConnFile  string
	Server    string
	Transport string
	Port      string
	Timeout   string
}

// Request is a validated attach request.
type Request struct {
	ConnFile  string
	Dir       string
	Server    string
	Transport connfile.Transport
	Port      int
	Timeout   time.Duration
}

// ParseRequest validates params without touching the network or the
// filesystem.
func ParseRequest(p Params) (Request, error) {
	req := Request{
		ConnFile:  connfile.DefaultPattern,
		Server:    DefaultServer,
		Transport: DefaultTransport,
		Port:      DefaultPort,
		Timeout:   DefaultTimeout,
	}
	if name := strings.TrimSpace(p.Path); name != "" {
		req.ConnFile = path.Base(name)
		if dir := path.Dir(name); dir != "." {
			req.Dir = dir
		}
	}
	if name := strings.TrimSpace(p.ConnFile); name != "" {
		req.ConnFile = name
	}
	if server := strings.TrimSpace(p.Server); server != "" {
		req.Server = server
	}
	if t := strings.TrimSpace(p.Transport); t != "" {
		transport, err := connfile.ParseTransport(t)
		if err != nil {
			return Request{}, newError(KindValidation, err)
		}
		req.Transport = transport
	}
	if s := strings.TrimSpace(p.Port); s != "" {
		port, err := strconv.Atoi(s)
		if err != nil {
			return Request{}, newError(KindValidation, errors.Errorf("port must be an integer, got %q", s))
		}
		if port < 0 || port > 65535 {
			return Request{}, newError(KindValidation, errors.Errorf("port %d out of range 0-65535", port))
		}
		req.Port = port
	}
	if s := strings.TrimSpace(p.Timeout); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return Request{}, newError(KindValidation, errors.Errorf("timeout must be an integer number of seconds, got %q", s))
		}
		if secs <= 0 {
			return Request{}, newError(KindValidation, errors.Errorf("timeout must be positive, got %d", secs))
		}
		req.Timeout = time.Duration(secs) * time.Second
	}
	return req, nil
}
