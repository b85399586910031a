package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kfsoftware/kernelbridge/pkg/attach"
	"github.com/kfsoftware/kernelbridge/pkg/config"
	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/kfsoftware/kernelbridge/pkg/kernel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type connectCmd struct {
	configPath   *string
	flags        *config.Flags
	params       attach.Params
	keep         bool
	out          io.Writer
	// logLevelFlag is set when --log-level overrides the config file.
	logLevelFlag bool
}

type output struct {
	Connection connfile.Descriptor     `json:"connection"`
	Kernel     *kernel.KernelInfoReply `json:"kernel_info"`
	Forwarders []int                   `json:"forwarders,omitempty"`
}

func (c *connectCmd) validate() error {
	_, err := attach.ParseRequest(c.params)
	return err
}

func (c *connectCmd) run(ctx context.Context) error {
	cfg, err := c.flags.Reload(*c.configPath)
	if err != nil {
		return err
	}
	if !c.logLevelFlag {
		if err := cfg.ApplyLogLevel(); err != nil {
			return err
		}
	}
	req, err := attach.ParseRequest(c.params)
	if err != nil {
		return err
	}
	service := attach.NewService(attach.OptionsFromConfig(cfg))
	desc, plan, err := service.Reach(ctx, req)
	if err != nil {
		return err
	}
	client, info, err := service.Handshake(ctx, desc, req.Timeout)
	if err != nil {
		plan.Teardown()
		return err
	}
	defer client.Close()

	res := output{Connection: desc, Kernel: info}
	if plan != nil {
		for _, f := range plan.Forwarders() {
			res.Forwarders = append(res.Forwarders, f.Pid())
		}
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !c.keep {
		return errors.Wrap(plan.Teardown(), "stopping forwarders")
	}
	log.Info().Msgf("Leaving %d forwarders running", len(res.Forwarders))
	return nil
}

// NewConnectCmd builds the connect command: it reaches a running kernel,
// checks it answers and prints the descriptor to use locally.
func NewConnectCmd(configPath *string) *cobra.Command {
	c := &connectCmd{configPath: configPath, out: os.Stdout}
	cmd := &cobra.Command{
		Use:   "connect [connection file]",
		Short: "reach a running kernel and print its local connection info",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.params.Path = args[0]
			}
			c.logLevelFlag = cmd.Flags().Changed("log-level")
			if err := c.validate(); err != nil {
				return err
			}
			if err := c.run(cmd.Context()); err != nil {
				return fmt.Errorf("%s: %v", attach.Reason(err), err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	c.flags = config.BindFlags(flags, config.Default())
	flags.StringVarP(&c.params.Server, "server", "s", "", "Host running the kernel (default localhost)")
	flags.StringVarP(&c.params.Transport, "transport", "t", "", "Local transport after tunneling: ipc or tcp (default ipc)")
	flags.StringVarP(&c.params.Port, "port", "p", "", "ssh port on the kernel host (default 22)")
	flags.StringVarP(&c.params.Timeout, "timeout", "", "", "Seconds to wait for the kernel to answer (default 5)")
	flags.BoolVarP(&c.keep, "keep", "k", false, "Leave forwarders running after exit")
	return cmd
}
