package attach

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/contents"
	"github.com/kfsoftware/kernelbridge/pkg/kernel"
	"github.com/kfsoftware/kernelbridge/pkg/probe"
	"github.com/kfsoftware/kernelbridge/pkg/registry"
	"github.com/kfsoftware/kernelbridge/pkg/tunnel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Prober interface {
	Probe(ctx context.Context, host string, sshPort int) probe.Outcome
}

type Tunneler interface {
	Establish(mode probe.Mode, desc connfile.Descriptor, localTransport connfile.Transport, server string, sshPort int) (*tunnel.Plan, connfile.Descriptor, error)
}

type Notebooks interface {
	NewUntitled(dir, kernelName string) (contents.Model, error)
	Delete(path string) error
}

type Sessions interface {
	Create(req registry.SessionRequest) (*registry.SessionModel, error)
	List() ([]*registry.SessionModel, error)
	DeleteByKernel(kernelID string) error
}

type Notebook struct {
	Path string `json:"path"`
}

// Result is what a successful attach returns to the caller.
type Result struct {
	Kernel   kernel.Model           `json:"kernel"`
	Session  *registry.SessionModel `json:"session"`
	Notebook Notebook               `json:"notebook"`
}

type Options struct {
	Resolver  *connfile.Resolver
	Prober    Prober
	Tunneler  Tunneler
	Client    kernel.Options
	Kernels   *registry.KernelRegistry
	Notebooks Notebooks
	Sessions  Sessions
	// NotebookDir is where new notebooks are created, relative to the
	// notebook root.
	NotebookDir string
	NewID       func() string
}

// Service attaches running kernels to new notebook sessions.
type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	if opts.Resolver == nil {
		opts.Resolver = connfile.NewResolver("")
	}
	if opts.Kernels == nil {
		opts.Kernels = registry.NewKernelRegistry()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Service{opts: opts}
}

func (s *Service) Kernels() *registry.KernelRegistry {
	return s.opts.Kernels
}

// route is the outcome of reaching the kernel: the descriptor to dial and
// the forwards to release if anything later fails.
type route struct {
	desc connfile.Descriptor
	plan *tunnel.Plan
	mode probe.Mode
}

// Reach resolves the connection file of req and makes its kernel
// reachable from this machine, tunneling when it runs elsewhere.
func (s *Service) Reach(ctx context.Context, req Request) (connfile.Descriptor, *tunnel.Plan, error) {
	r, err := s.reach(ctx, req)
	if err != nil {
		return connfile.Descriptor{}, nil, err
	}
	return r.desc, r.plan, nil
}

func (s *Service) reach(ctx context.Context, req Request) (*route, error) {
	path, err := s.opts.Resolver.Resolve(req.ConnFile, req.Dir)
	if err != nil {
		log.Error().Msgf("%v", err)
		return nil, newError(KindNotFound, err)
	}
	log.Info().Msgf("Found connection file: %s", path)
	desc, err := connfile.Load(path)
	if err != nil {
		if errors.Is(err, connfile.ErrNotFound) {
			return nil, newError(KindNotFound, err)
		}
		return nil, newError(KindValidation, err)
	}

	outcome := s.opts.Prober.Probe(ctx, req.Server, req.Port)
	log.Debug().Str("server", req.Server).Msgf("Probe outcome %s", outcome)
	if !outcome.Reachable() {
		return nil, newError(KindTunnel, outcome.Err())
	}
	if outcome.Mode == probe.ModeLocal {
		log.Info().Msgf("Kernel on localhost, no tunnel needed")
		return &route{desc: desc, mode: outcome.Mode}, nil
	}
	plan, rewritten, err := s.opts.Tunneler.Establish(outcome.Mode, desc, req.Transport, req.Server, req.Port)
	if err != nil {
		return nil, newError(KindTunnel, err)
	}
	return &route{desc: rewritten, plan: plan, mode: outcome.Mode}, nil
}

// Handshake binds a client to desc and waits for the kernel_info reply.
// The client is closed again when the handshake fails.
func (s *Service) Handshake(ctx context.Context, desc connfile.Descriptor, timeout time.Duration) (*kernel.Client, *kernel.KernelInfoReply, error) {
	client, err := kernel.NewClient(desc, s.opts.Client)
	if err != nil {
		return nil, nil, newError(KindValidation, err)
	}
	info, err := client.GetKernelInfo(ctx, timeout)
	if err != nil {
		client.Close()
		log.Error().Msgf("%v", err)
		if errors.Is(err, kernel.ErrHandshakeTimeout) {
			return nil, nil, newError(KindHandshakeTimeout, err)
		}
		return nil, nil, newError(KindNotFound, err)
	}
	return client, info, nil
}

// ConnectExisting runs the whole attach sequence for req. On failure
// nothing stays registered: tunnels and channels opened so far are
// released, and a kernel whose session could not be recorded is shut
// down again.
func (s *Service) ConnectExisting(ctx context.Context, req Request) (*Result, error) {
	r, err := s.reach(ctx, req)
	if err != nil {
		return nil, err
	}
	release := func() {
		if err := r.plan.Teardown(); err != nil {
			log.Warn().Msgf("Failed to stop forwarders: %v", err)
		}
	}

	log.Info().Msgf("Connecting to existing kernel %s", r.desc.Path)
	client, info, err := s.Handshake(ctx, r.desc, req.Timeout)
	if err != nil {
		release()
		return nil, err
	}
	kernelName := r.desc.KernelName

	nb, err := s.opts.Notebooks.NewUntitled(s.opts.NotebookDir, kernelName)
	if err != nil {
		log.Error().Msgf("%v", err)
		client.Close()
		release()
		return nil, newError(KindRegistration, errors.Wrap(err, "creating notebook"))
	}

	id := s.opts.NewID()
	var teardown kernel.Teardowner
	if r.plan != nil {
		teardown = r.plan
	}
	handle := kernel.NewHandle(id, kernelName, client, info, teardown)
	log.Info().Msgf("Adding existing kernel with id %s", id)
	if err := s.opts.Kernels.Add(handle); err != nil {
		handle.Close()
		s.removeNotebook(nb.Path)
		return nil, newError(KindRegistration, err)
	}
	if err := handle.WatchActivity(); err != nil {
		log.Warn().Msgf("Not watching activity of kernel %s: %v", id, err)
	}
	model := handle.Model()

	session, err := s.opts.Sessions.Create(registry.SessionRequest{
		Path:      nb.Path,
		Name:      kernelName,
		Kernel:    model,
		Info:      info,
		Server:    req.Server,
		Transport: string(r.desc.Transport),
	})
	if err != nil {
		log.Error().Msgf("%v", err)
		if serr := s.opts.Kernels.Shutdown(id, true); serr != nil {
			log.Warn().Msgf("Forced shutdown of kernel %s failed: %v", id, serr)
		}
		s.removeNotebook(nb.Path)
		return nil, newError(KindRegistration, errors.Wrap(err, "creating session"))
	}
	return &Result{
		Kernel:   model,
		Session:  session,
		Notebook: Notebook{Path: nb.Path},
	}, nil
}

func (s *Service) removeNotebook(path string) {
	if err := s.opts.Notebooks.Delete(path); err != nil {
		log.Warn().Msgf("Failed to remove notebook %s: %v", path, err)
	}
}

// Detach releases the local connection to a registered kernel and drops
// its sessions. The kernel process is left running.
func (s *Service) Detach(id string) error {
	if err := s.opts.Kernels.Shutdown(id, false); err != nil {
		return err
	}
	return s.opts.Sessions.DeleteByKernel(id)
}

// DetachAll detaches every registered kernel, used when the server stops
// so no session outlives its kernel.
func (s *Service) DetachAll() {
	for _, h := range s.opts.Kernels.List() {
		if err := s.Detach(h.ID); err != nil {
			log.Warn().Msgf("Failed to detach kernel %s: %v", h.ID, err)
		}
	}
}

// Kernel returns the model of one registered kernel.
func (s *Service) Kernel(id string) (kernel.Model, error) {
	h, err := s.opts.Kernels.Get(id)
	if err != nil {
		return kernel.Model{}, err
	}
	return h.Model(), nil
}

func (s *Service) ListKernels() []kernel.Model {
	handles := s.opts.Kernels.List()
	models := make([]kernel.Model, 0, len(handles))
	for _, h := range handles {
		models = append(models, h.Model())
	}
	return models
}

func (s *Service) ListSessions() ([]*registry.SessionModel, error) {
	return s.opts.Sessions.List()
}
