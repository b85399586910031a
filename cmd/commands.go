package cmd

import (
	"github.com/kfsoftware/kernelbridge/cmd/connect"
	"github.com/kfsoftware/kernelbridge/cmd/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	kernelBridgeDesc = `
kernelbridge attaches notebook sessions to Jupyter kernels that are already
running, on this machine or on a remote host reachable over ssh. Kernel
channels of remote hosts are forwarded through ssh tunnels, falling back to
a relayed reverse tunnel when direct ssh is refused.
Detailed help for each command is available with 'kernelbridge help <command>'.
`
)

func NewCmdKernelBridge() *cobra.Command {
	var configPath, logLevel string
	cmd := &cobra.Command{
		Use:   "kernelbridge",
		Short: "attach notebooks to running kernels",
		Long:  kernelBridgeDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" {
				return nil
			}
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.Logger = log.Logger.Level(level)
			return nil
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	persistentFlags.StringVarP(&logLevel, "log-level", "", "", "Log level, overrides LOG_LEVEL")
	cmd.AddCommand(server.NewServerCmd(&configPath))
	cmd.AddCommand(connect.NewConnectCmd(&configPath))

	return cmd
}
