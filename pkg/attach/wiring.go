package attach

import (
	"github.com/kfsoftware/kernelbridge/pkg/config"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/probe"
	"github.com/kfsoftware/kernelbridge/pkg/tunnel"
)

// OptionsFromConfig wires the resolver, prober and tunnel establisher
// that reach kernels for real: ssh subprocesses and system DNS.
func OptionsFromConfig(cfg *config.Config) Options {
	sshCfg := ProbeConfig(cfg)
	return Options{
		Resolver: connfile.NewResolver(cfg.RuntimeDir),
		Prober:   probe.NewProber(sshCfg, probe.ExecRunner{}, nil),
		Tunneler: tunnel.NewEstablisher(tunnel.Config{SSH: sshCfg, Sleep: cfg.SSH.ForwardSleep}, tunnel.ExecSpawner{}, tunnel.LoopbackAllocator{}),
	}
}

func ProbeConfig(cfg *config.Config) probe.Config {
	return probe.Config{
		SSHCommand:            cfg.SSH.Command,
		RelayCommand:          cfg.SSH.RelayCommand,
		StrictHostKeyChecking: cfg.SSH.StrictHostKeyChecking,
		User:                  cfg.SSH.User,
		Timeout:               cfg.SSH.ProbeTimeout,
	}
}
