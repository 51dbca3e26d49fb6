// Package cli wires configuration, stores, and runtime components into the
// ocbridge entry and exit node processes and their admin commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocbridge/ocbridge/internal/version"
)

// Run dispatches the top-level subcommand and returns the process exit
// code. Exit code 2 marks usage/configuration errors, 1 runtime failures.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "entry":
		return runEntry(ctx, args[1:])
	case "exit":
		return runExit(ctx, args[1:])
	case "user":
		return runUserAdmin(ctx, args[1:])
	case "node":
		return runNodeAdmin(ctx, args[1:])
	case "token":
		return runToken(args[1:])
	case "version", "-v", "--version":
		fmt.Println("ocbridge", version.Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `ocbridge bridges a private VPN exit node through a public entry node.

Usage:
  ocbridge entry [flags]            run the entry node (relay client + sync)
  ocbridge exit [flags]             run the exit node (relay server + API)
  ocbridge user <upsert|rm|list|usage> [flags]
                                    manage VPN users (entry node database)
  ocbridge node <add|rm|list> [flags]
                                    manage exit node registrations
  ocbridge token new                generate a node bearer token and its hash
  ocbridge version                  print the build version

Run any subcommand with -h for its flags.
`)
}
