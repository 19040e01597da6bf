package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
)

var signalCmd = &cobra.Command{
	Use:   "signal <pause|resume|stop>",
	Short: "Control a running workflow in this directory",
	Long: `Send a control signal to the run executing in the current directory.

  pause   stop admitting new nodes; in-flight nodes keep running
  resume  continue after a pause
  stop    finish in-flight nodes and end the run`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(orchestrator.SignalPause), string(orchestrator.SignalResume), string(orchestrator.SignalStop)},
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		sig := orchestrator.Signal(args[0])
		if err := orchestrator.SendSignal(orchestrator.SignalDir(repoPath), sig); err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", sig)
		return nil
	},
}
