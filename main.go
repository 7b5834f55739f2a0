package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relaybox/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("relaybox failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:           "relaybox",
		Short:         "Encrypted peer-to-peer messaging with an offline mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				return os.Setenv(config.DataDirEnv, dataDir)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")

	root.AddCommand(
		newRunCommand(),
		newWhoamiCommand(),
		newPeerCommand(),
		newSendCommand(),
		newInboxCommand(),
		newGCCommand(),
		newFailuresCommand(),
	)
	return root
}
