package connfile

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
)

type Transport string

const (
	TransportIPC Transport = "ipc"
	TransportTCP Transport = "tcp"
)

// ParseTransport accepts the lower case names used in connection files
// and request parameters.
func ParseTransport(s string) (Transport, error) {
	switch Transport(strings.ToLower(strings.TrimSpace(s))) {
	case TransportIPC:
		return TransportIPC, nil
	case TransportTCP:
		return TransportTCP, nil
	default:
		return "", errors.Errorf("unsupported transport %q", s)
	}
}

// Channel is one of the five message streams a kernel exposes.
type Channel int

const (
	Heartbeat Channel = iota
	Stdin
	Shell
	IOPub
	Control
	NumChannels
)

// Channels lists every channel in the order the tunnel plan uses.
var Channels = [NumChannels]Channel{Heartbeat, Stdin, Shell, IOPub, Control}

var channelNames = [NumChannels]string{"hb", "stdin", "shell", "iopub", "control"}

func (c Channel) String() string {
	if c < 0 || c >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Ports holds one port per channel, indexed by Channel. For IPC
// transports the number is the suffix of the socket path.
type Ports [NumChannels]int

// Descriptor is the addressing information of a kernel. It is a value
// type: rewriting produces a new Descriptor and the original stays valid
// for whoever still holds it.
type Descriptor struct {
	Path            string
	Transport       Transport
	IP              string
	Ports           Ports
	Key             string
	SignatureScheme string
	KernelName      string
}

type fileFormat struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// Load reads a connection file and validates it.
func Load(path string) (Descriptor, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(ErrNotFound, "reading %s: %v", path, err)
	}
	return Parse(path, data)
}

// Parse decodes connection-file JSON. Missing transport defaults to tcp
// and a missing ip to 127.0.0.1, matching what kernels write.
func Parse(path string, data []byte) (Descriptor, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return Descriptor{}, errors.Wrapf(err, "decoding connection file %s", path)
	}
	if f.Transport == "" {
		f.Transport = string(TransportTCP)
	}
	transport, err := ParseTransport(f.Transport)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "connection file %s", path)
	}
	if f.IP == "" {
		f.IP = "127.0.0.1"
	}
	if f.SignatureScheme == "" {
		f.SignatureScheme = "hmac-sha256"
	}
	d := Descriptor{
		Path:            path,
		Transport:       transport,
		IP:              f.IP,
		Key:             f.Key,
		SignatureScheme: f.SignatureScheme,
		KernelName:      f.KernelName,
	}
	d.Ports[Heartbeat] = f.HBPort
	d.Ports[Stdin] = f.StdinPort
	d.Ports[Shell] = f.ShellPort
	d.Ports[IOPub] = f.IOPubPort
	d.Ports[Control] = f.ControlPort
	if err := d.Validate(); err != nil {
		return Descriptor{}, errors.Wrapf(err, "connection file %s", path)
	}
	return d, nil
}

// Validate checks that the endpoint fields agree with the transport.
func (d Descriptor) Validate() error {
	switch d.Transport {
	case TransportTCP:
		if d.IP == "" {
			return errors.New("tcp descriptor without ip")
		}
	case TransportIPC:
		if d.IP == "" || strings.ContainsAny(d.IP, "\x00") {
			return errors.Errorf("ipc descriptor needs a socket path prefix, got %q", d.IP)
		}
	default:
		return errors.Errorf("unsupported transport %q", d.Transport)
	}
	for _, ch := range Channels {
		p := d.Ports[ch]
		if p < 0 || p > 65535 {
			return errors.Errorf("%s port %d out of range", ch, p)
		}
	}
	return nil
}

// Port returns the port, or IPC suffix, of a channel.
func (d Descriptor) Port(ch Channel) int {
	return d.Ports[ch]
}

// SocketPath is the filesystem path of an IPC channel.
func (d Descriptor) SocketPath(ch Channel) string {
	return fmt.Sprintf("%s-%d", d.IP, d.Ports[ch])
}

// Endpoint returns the URL a messaging socket dials for ch.
func (d Descriptor) Endpoint(ch Channel) string {
	if d.Transport == TransportIPC {
		return "ipc://" + d.SocketPath(ch)
	}
	return fmt.Sprintf("tcp://%s:%d", d.IP, d.Ports[ch])
}

// Rewrite returns a copy of d that points at new endpoints. Key, scheme
// and kernel name carry over since they belong to the kernel, not to the
// route used to reach it.
func (d Descriptor) Rewrite(transport Transport, ip string, ports Ports) (Descriptor, error) {
	out := d
	out.Transport = transport
	out.IP = ip
	out.Ports = ports
	if err := out.Validate(); err != nil {
		return Descriptor{}, errors.Wrap(err, "rewritten descriptor")
	}
	return out, nil
}

// MarshalJSON writes the connection-file layout so rewritten descriptors
// can be handed to other kernel clients.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileFormat{
		ShellPort:       d.Ports[Shell],
		IOPubPort:       d.Ports[IOPub],
		StdinPort:       d.Ports[Stdin],
		ControlPort:     d.Ports[Control],
		HBPort:          d.Ports[Heartbeat],
		IP:              d.IP,
		Key:             d.Key,
		Transport:       string(d.Transport),
		SignatureScheme: d.SignatureScheme,
		KernelName:      d.KernelName,
	})
}
