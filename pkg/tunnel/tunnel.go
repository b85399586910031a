package tunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/probe"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedTransport = errors.New("unsupported transport")

type Config struct {
	SSH probe.Config
	// Sleep is how long each forwarder's remote command runs. The forward
	// stays up for that long plus as long as connections through it stay
	// open, so it bounds forwarders nobody tears down.
	Sleep time.Duration
}

// ChannelPlan is the forwarding of one kernel channel. Local and Remote
// are either socket paths or port numbers depending on the transport of
// their side.
type ChannelPlan struct {
	Channel connfile.Channel
	Local   string
	Remote  string
}

// Plan is the set of forwards established for one kernel. It owns the
// forwarder processes until Teardown.
type Plan struct {
	Mode            probe.Mode
	LocalTransport  connfile.Transport
	RemoteTransport connfile.Transport
	Channels        [connfile.NumChannels]ChannelPlan

	mu         sync.Mutex
	forwarders []Forwarder
}

// Forwarders returns the processes started for the plan, one per channel.
func (p *Plan) Forwarders() []Forwarder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Forwarder, len(p.forwarders))
	copy(out, p.forwarders)
	return out
}

// Teardown stops every forwarder of the plan. Safe to call more than
// once and on a nil plan.
func (p *Plan) Teardown() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	fwds := p.forwarders
	p.forwarders = nil
	p.mu.Unlock()
	var firstErr error
	for _, f := range fwds {
		if err := f.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(fwds) > 0 {
		log.Info().Msgf("Stopped %d forwarders", len(fwds))
	}
	return firstErr
}

type Establisher struct {
	cfg       Config
	spawner   Spawner
	allocator PortAllocator
}

func NewEstablisher(cfg Config, spawner Spawner, allocator PortAllocator) *Establisher {
	if cfg.Sleep <= 0 {
		cfg.Sleep = 30 * time.Second
	}
	if cfg.SSH.SSHCommand == "" {
		cfg.SSH.SSHCommand = "ssh"
	}
	if cfg.SSH.RelayCommand == "" {
		cfg.SSH.RelayCommand = "mrsh"
	}
	if cfg.SSH.LocalHostname == "" {
		cfg.SSH.LocalHostname, _ = os.Hostname()
	}
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	if allocator == nil {
		allocator = LoopbackAllocator{}
	}
	return &Establisher{cfg: cfg, spawner: spawner, allocator: allocator}
}

// Establish forwards all five channels of desc from this machine to
// server and returns the plan together with a descriptor rewritten to
// the local ends. desc itself is left untouched.
func (e *Establisher) Establish(mode probe.Mode, desc connfile.Descriptor, localTransport connfile.Transport, server string, sshPort int) (*Plan, connfile.Descriptor, error) {
	if mode != probe.ModeSSH && mode != probe.ModeReverse {
		return nil, connfile.Descriptor{}, errors.Errorf("no tunnel for mode %s", mode)
	}
	if localTransport == "" {
		localTransport = desc.Transport
	}
	plan := &Plan{Mode: mode, LocalTransport: localTransport, RemoteTransport: desc.Transport}

	// remote ends belong to the machine running the kernel
	for _, ch := range connfile.Channels {
		plan.Channels[ch].Channel = ch
		switch desc.Transport {
		case connfile.TransportIPC:
			plan.Channels[ch].Remote = desc.SocketPath(ch)
		case connfile.TransportTCP:
			plan.Channels[ch].Remote = strconv.Itoa(desc.Port(ch))
		default:
			return nil, connfile.Descriptor{}, errors.Wrapf(ErrUnsupportedTransport, "%q on kernel side", desc.Transport)
		}
	}

	var ip string
	var ports connfile.Ports
	switch localTransport {
	case connfile.TransportIPC:
		ip = fmt.Sprintf("%s-ipc-%s", strings.TrimSuffix(desc.Path, filepath.Ext(desc.Path)), e.cfg.SSH.LocalHostname)
		ports = desc.Ports
		for _, ch := range connfile.Channels {
			plan.Channels[ch].Local = fmt.Sprintf("%s-%d", ip, ports[ch])
		}
	case connfile.TransportTCP:
		ip = "127.0.0.1"
		free, err := e.allocator.FreePorts(int(connfile.NumChannels))
		if err != nil {
			return nil, connfile.Descriptor{}, errors.Wrap(err, "allocating local ports")
		}
		for _, ch := range connfile.Channels {
			ports[ch] = free[ch]
			plan.Channels[ch].Local = strconv.Itoa(free[ch])
		}
	default:
		return nil, connfile.Descriptor{}, errors.Wrapf(ErrUnsupportedTransport, "%q on client side", localTransport)
	}
	if err := checkUnique(plan); err != nil {
		return nil, connfile.Descriptor{}, err
	}

	rewritten, err := desc.Rewrite(localTransport, ip, ports)
	if err != nil {
		return nil, connfile.Descriptor{}, err
	}

	log.Info().Msgf("Attempting to create tunnels from %s@%s to %s@%s",
		localTransport, e.cfg.SSH.LocalHostname, desc.Transport, server)
	for _, cp := range plan.Channels {
		if localTransport == connfile.TransportIPC {
			if err := removeStaleSocket(cp.Local); err != nil {
				plan.Teardown()
				return nil, connfile.Descriptor{}, err
			}
		}
		name, args := e.command(mode, cp, desc.Transport, server, sshPort)
		log.Info().Str("channel", cp.Channel.String()).Msgf("Starting ssh tunnel> %s %s", name, strings.Join(args, " "))
		fwd, err := e.spawner.Spawn(name, args)
		if err != nil {
			plan.Teardown()
			return nil, connfile.Descriptor{}, errors.Wrapf(err, "starting %s forwarder", cp.Channel)
		}
		plan.mu.Lock()
		plan.forwarders = append(plan.forwarders, fwd)
		plan.mu.Unlock()
	}
	return plan, rewritten, nil
}

// command builds the forwarder invocation for one channel. In ssh mode
// this machine listens and ssh carries connections to the server. In
// reverse mode the relay runs ssh on the server, which logs back in here
// and asks this side to listen.
func (e *Establisher) command(mode probe.Mode, cp ChannelPlan, remoteTransport connfile.Transport, server string, sshPort int) (string, []string) {
	var fwd string
	if remoteTransport == connfile.TransportTCP {
		fwd = fmt.Sprintf("%s:localhost:%s", cp.Local, cp.Remote)
	} else {
		fwd = fmt.Sprintf("%s:%s", cp.Local, cp.Remote)
	}
	sshArgs := func(flag, target string) []string {
		args := []string{"-S", "none", "-nT", "-o", "ExitOnForwardFailure=yes"}
		args = append(args, e.cfg.SSH.SSHOptions()...)
		return append(args, flag, fwd, "-p", strconv.Itoa(sshPort), target,
			"sleep", strconv.Itoa(int(e.cfg.Sleep/time.Second)))
	}
	if mode == probe.ModeReverse {
		args := append([]string{server, e.cfg.SSH.SSHCommand}, sshArgs("-R", e.cfg.SSH.Target(e.cfg.SSH.LocalHostname))...)
		return e.cfg.SSH.RelayCommand, args
	}
	return e.cfg.SSH.SSHCommand, sshArgs("-L", e.cfg.SSH.Target(server))
}

func checkUnique(plan *Plan) error {
	seen := map[string]connfile.Channel{}
	for _, cp := range plan.Channels {
		if other, ok := seen[cp.Local]; ok {
			return errors.Errorf("local endpoint %s used by both %s and %s", cp.Local, other, cp.Channel)
		}
		seen[cp.Local] = cp.Channel
	}
	return nil
}

// removeStaleSocket deletes a leftover socket so the forwarder does not
// fail to bind, or worse, leave clients talking to a dead listener.
func removeStaleSocket(path string) error {
	err := os.Remove(path)
	if err == nil {
		log.Debug().Msgf("Removed stale socket %s", path)
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing stale socket %s", path)
}
