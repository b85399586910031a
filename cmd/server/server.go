package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kfsoftware/kernelbridge/pkg/api"
	"github.com/kfsoftware/kernelbridge/pkg/attach"
	"github.com/kfsoftware/kernelbridge/pkg/config"
	"github.com/kfsoftware/kernelbridge/pkg/contents"
	"github.com/kfsoftware/kernelbridge/pkg/db"
	"github.com/kfsoftware/kernelbridge/pkg/registry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serverCmd struct {
	configPath     *string
	flags          *config.Flags
	notebookPrefix string
	// logLevelFlag is set when --log-level overrides the config file.
	logLevelFlag   bool
}

func (c *serverCmd) validate() error {
	return nil
}

func (c *serverCmd) run() error {
	cfg, err := c.flags.Reload(*c.configPath)
	if err != nil {
		return err
	}
	if !c.logLevelFlag {
		if err := cfg.ApplyLogLevel(); err != nil {
			return err
		}
	}
	dbClient, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	notebooks, err := contents.NewManager(cfg.NotebookDir)
	if err != nil {
		return err
	}
	sessions := registry.NewSessionStore(dbClient)
	stale, err := sessions.DeleteAll()
	if err != nil {
		return err
	}
	if stale > 0 {
		log.Info().Msgf("Removed %d sessions left by a previous run", stale)
	}
	opts := attach.OptionsFromConfig(cfg)
	opts.Kernels = registry.NewKernelRegistry()
	opts.Notebooks = notebooks
	opts.Sessions = sessions
	service := attach.NewService(opts)
	defer service.DetachAll()

	log.Info().Msgf("Serving notebooks from %s, connection files from %s", notebooks.Root(), cfg.RuntimeDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.NewServer(service, c.notebookPrefix).ListenAndServe(ctx, cfg.Listen)
}

// NewServerCmd builds the serve command. configPath points at the root
// command's --config flag.
func NewServerCmd(configPath *string) *cobra.Command {
	c := &serverCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve attach requests for running kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.logLevelFlag = cmd.Flags().Changed("log-level")
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	flags := cmd.Flags()
	c.flags = config.BindFlags(flags, config.Default())
	flags.StringVarP(&c.notebookPrefix, "notebook-prefix", "", api.DefaultNotebookPrefix, "URL prefix GET requests are redirected to")
	return cmd
}
