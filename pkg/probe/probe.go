package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostResolver is the subset of *net.Resolver the probe needs.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type Config struct {
	// SSHCommand is the direct remote-execution client, normally "ssh".
	SSHCommand string
	// RelayCommand runs a command on the target on our behalf, normally
	// "mrsh". The target then uses SSHCommand to reach back here.
	RelayCommand string
	// StrictHostKeyChecking keeps ssh's host key verification on. Off by
	// default: unknown host keys would otherwise fail every probe.
	StrictHostKeyChecking bool
	User                  string
	// LocalHostname is the name the far side uses to reach back.
	LocalHostname string
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SSHCommand == "" {
		c.SSHCommand = "ssh"
	}
	if c.RelayCommand == "" {
		c.RelayCommand = "mrsh"
	}
	if c.LocalHostname == "" {
		c.LocalHostname, _ = os.Hostname()
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// SSHOptions are the -o flags shared by probes and forwarders.
func (c Config) SSHOptions() []string {
	opts := []string{"-o", "BatchMode=yes"}
	if !c.StrictHostKeyChecking {
		opts = append(opts,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
			"-o", "LogLevel=ERROR",
		)
	}
	return opts
}

// Target is user@host, or host when no user is configured.
func (c Config) Target(host string) string {
	if c.User == "" {
		return host
	}
	return c.User + "@" + host
}

type Prober struct {
	cfg      Config
	runner   Runner
	resolver HostResolver
}

func NewProber(cfg Config, runner Runner, resolver HostResolver) *Prober {
	if runner == nil {
		runner = ExecRunner{}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Prober{cfg: cfg.withDefaults(), runner: runner, resolver: resolver}
}

func (p *Prober) Config() Config {
	return p.cfg
}

// Probe decides how host can be reached for tunneling. A host that
// resolves to this machine is reachable without any subprocess. Otherwise
// a direct ssh login is tried and, only when it is refused, a relayed ssh
// that connects back here.
func (p *Prober) Probe(ctx context.Context, host string, sshPort int) Outcome {
	local, err := p.isLocal(ctx, host)
	if err != nil {
		return failed(Unreachable, fmt.Sprintf("host %s is inaccessible: %v", host, err))
	}
	if local {
		log.Info().Msgf("Kernel host %s is local, nothing to tunnel", host)
		return reachable(ModeLocal)
	}

	direct := p.tryDirect(ctx, host, sshPort)
	log.Debug().Str("host", host).Msgf("direct probe: %s", direct)
	if direct.Reachable() {
		return reachable(ModeSSH)
	}
	if direct.Kind != Refused {
		return direct
	}

	reverse := p.tryReverse(ctx, host, sshPort)
	log.Debug().Str("host", host).Msgf("reverse probe: %s", reverse)
	if reverse.Reachable() {
		return reachable(ModeReverse)
	}
	return failed(Unreachable, fmt.Sprintf("unable to connect to %s, tried %s and %s: %s",
		host, p.cfg.SSHCommand, p.cfg.RelayCommand, reverse))
}

func (p *Prober) tryDirect(ctx context.Context, host string, sshPort int) Outcome {
	args := p.sshArgs(p.cfg.Target(host), sshPort)
	log.Info().Msgf("Testing ssh> %s %s", p.cfg.SSHCommand, strings.Join(args, " "))
	return p.attempt(ctx, p.cfg.SSHCommand, args, directMessages)
}

func (p *Prober) tryReverse(ctx context.Context, host string, sshPort int) Outcome {
	args := append([]string{host, p.cfg.SSHCommand}, p.sshArgs(p.cfg.Target(p.cfg.LocalHostname), sshPort)...)
	log.Info().Msgf("Testing %s> %s %s", p.cfg.RelayCommand, p.cfg.RelayCommand, strings.Join(args, " "))
	return p.attempt(ctx, p.cfg.RelayCommand, args, reverseMessages(host))
}

func (p *Prober) sshArgs(target string, sshPort int) []string {
	args := p.cfg.SSHOptions()
	secs := int(p.cfg.Timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	return append(args, "-p", strconv.Itoa(sshPort), target, "true")
}

func (p *Prober) attempt(ctx context.Context, name string, args []string, msgs map[Kind]string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	res, err := p.runner.Run(ctx, name, args...)
	if err != nil {
		return failed(Unreachable, err.Error())
	}
	out := classify(res)
	if !out.Reachable() {
		if msg, ok := msgs[out.Kind]; ok && out.Detail == "" {
			out.Detail = msg
		} else if ok {
			out.Detail = msg + ": " + out.Detail
		}
	}
	return out
}

var directMessages = map[Kind]string{
	UnknownHost: "host authenticity can't be established",
	AuthFailed:  "authentication failed",
	TimedOut:    "timeout trying to tunnel to host",
}

func reverseMessages(host string) map[Kind]string {
	return map[Kind]string{
		Refused:    "permission refused",
		AuthFailed: "unable to connect to localhost after relay to " + host,
		TimedOut:   "timeout connecting back to localhost after relay to " + host,
	}
}

func (p *Prober) isLocal(ctx context.Context, host string) (bool, error) {
	if host == "" || host == "localhost" {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	addrs, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.IsLoopback() {
			return true, nil
		}
	}
	if len(addrs) == 0 {
		return false, nil
	}
	// hosts without reverse records are simply remote
	names, err := p.resolver.LookupAddr(ctx, addrs[0])
	if err != nil {
		return false, nil
	}
	for _, n := range names {
		n = strings.TrimSuffix(n, ".")
		if n == "localhost" || (p.cfg.LocalHostname != "" && n == p.cfg.LocalHostname) {
			return true, nil
		}
	}
	return false, nil
}
