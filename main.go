package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/takutakahashi/kbterm/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "kbterm",
	Short: "Knowledge base terminal server",
	Long:  "Serves a markdown knowledge base and hands each client its own ttyd terminal",
}

func init() {
	rootCmd.AddCommand(cmd.ServerCmd)
	rootCmd.AddCommand(cmd.SessionsCmd)
	rootCmd.AddCommand(cmd.HelpersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
