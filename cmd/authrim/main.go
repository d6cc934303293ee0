package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the provider's release version, overridden at build time with
// -ldflags "-X main.Version=...".
var Version = "dev"

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "authrim",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("authrim Version: %s\nGo Version: %s\nGo OS/ARCH: %s %s\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
