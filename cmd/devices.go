package main

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
)

func runDevices(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "Path to the SQLite store")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, code := openStore(*storePath, stderr)
	if store == nil {
		return code
	}
	defer store.Close()

	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "Error listing devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tFIRST CONNECTED\tLAST CONNECTED")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			d.Name, d.ID,
			d.FirstConnected.Format("2006-01-02 15:04"),
			d.LastConnected.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return 0
}
