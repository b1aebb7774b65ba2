package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/voxterm/host/internal/auth"
	"github.com/voxterm/host/internal/storage"
)

// openStore resolves the store path from the -store flag and opens it.
func openStore(storePath string, stderr io.Writer) (*storage.Store, int) {
	path := storePath
	if path == "" {
		var err error
		if path, err = defaultStorePath(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, 1
		}
	}
	store, err := storage.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return nil, 1
	}
	return store, 0
}

// readPassword prompts for a password without echo when stdin is a
// terminal, falling back to a plain line read otherwise (piped input).
func readPassword(prompt string, stdout io.Writer) (string, error) {
	fmt.Fprint(stdout, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(stdout)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runPasswordSet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("password set", flag.ContinueOnError)
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

	authority, err := auth.New(auth.Config{PasswordStore: store})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	password, err := readPassword("New password: ", stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading password: %v\n", err)
		return 1
	}
	confirm, err := readPassword("Confirm password: ", stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading password: %v\n", err)
		return 1
	}
	if password != confirm {
		fmt.Fprintln(stderr, "Error: passwords do not match")
		return 1
	}

	if err := authority.SetPassword(password); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Password set. Clients now authenticate with this password instead of rotating codes.")
	fmt.Fprintln(stdout, "Note: comparison is case-insensitive.")
	return 0
}

func runPasswordClear(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("password clear", flag.ContinueOnError)
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

	authority, err := auth.New(auth.Config{PasswordStore: store})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := authority.ClearPassword(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Password cleared. The host will use rotating pairing codes.")
	return 0
}
