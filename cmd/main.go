// Command voxterm runs the terminal host that companion mobile clients
// pair with and drive over WebSocket, including voice input.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.2.0" ./cmd
var Version = "dev"

const usage = `voxterm - remote terminal host for the voxterm mobile app

Usage:
  voxterm <command> [options]

Commands:
  host             Start the host and print the pairing code
  connect <url>    Connect to a running host (reference client)
  password set     Configure a static password instead of rotating codes
  password clear   Remove the static password
  devices          List paired devices

Run 'voxterm <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "host":
		return runHost(args[2:], stdout, stderr)
	case "connect":
		return runConnect(args[2:], stdout, stderr)
	case "password":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: voxterm password <set|clear>")
			return 1
		}
		switch args[2] {
		case "set":
			return runPasswordSet(args[3:], stdout, stderr)
		case "clear":
			return runPasswordClear(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown password command: %s\n", args[2])
			return 1
		}
	case "devices":
		return runDevices(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "voxterm %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
