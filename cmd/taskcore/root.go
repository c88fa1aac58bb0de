package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

const logo = "\n" +
	"  _            _                          \n" +
	" | |_ __ _ ___| | __ ___ ___  _ __ ___    \n" +
	" | __/ _` / __| |/ // __/ _ \\| '__/ _ \\ \n" +
	" | || (_| \\__ \\   <| (_| (_) | | |  __/ \n" +
	"  \\__\\__,_|___/_|\\_\\\\___\\___/|_|  \\___| \n"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskcore",
		Short:         "taskcore - policy-gated agent task runtime",
		Long:          color.CyanString(logo) + "\nRuns agent tasks behind a policy gate and keeps an audit trail of each one.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().StringP("output", "o", "auto", "output format: auto, text or json")
	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newReplayCmd(),
		newTasksCmd(),
		newWaitCmd(),
		newResumeCmd(),
		newApprovalsCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskcore %s\n", Version)
		},
	}
}
