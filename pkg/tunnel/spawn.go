package tunnel

import (
	"net"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Forwarder is a running forwarding process.
type Forwarder interface {
	Pid() int
	// Stop terminates the forwarder and anything it started.
	Stop() error
}

type Spawner interface {
	Spawn(name string, args []string) (Forwarder, error)
}

// ExecSpawner starts forwarders as detached child processes in their own
// process group with stdio attached to the null device, so a signal sent
// to our group on shutdown does not reach them.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(name string, args []string) (Forwarder, error) {
	cmd := exec.Command(name, args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", name)
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	done    chan struct{}
	once    sync.Once
	stopErr error
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		log.Debug().Msgf("Forwarder %d exited: %v", p.Pid(), err)
	} else {
		log.Debug().Msgf("Forwarder %d exited", p.Pid())
	}
	close(p.done)
}

func (p *process) Stop() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.stopErr = terminate(p.cmd)
	})
	return p.stopErr
}

type PortAllocator interface {
	FreePorts(n int) ([]int, error)
}

// LoopbackAllocator asks the OS for ephemeral ports on 127.0.0.1. All
// listeners are held open until every port is known so the ports are
// pairwise distinct.
type LoopbackAllocator struct{}

func (LoopbackAllocator) FreePorts(n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, errors.Wrap(err, "listening on an ephemeral port")
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
