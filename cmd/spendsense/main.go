// ABOUTME: Terminal client for the SpendSense dashboard backend
// ABOUTME: Logs in, reads consent-gated resources and manages consent from the shell

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/spendsense/internal/config"
	"github.com/2389/spendsense/internal/console"
)

const banner = `
                       _
 ___ _ __   ___ _ __   __| |___  ___ _ __  ___  ___
/ __| '_ \ / _ \ '_ \ / _' / __|/ _ \ '_ \/ __|/ _ \
\__ \ |_) |  __/ | | | (_| \__ \  __/ | | \__ \  __/
|___/ .__/ \___|_| |_|\__,_|___/\___|_| |_|___/\___|
    |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command with its own console.
func run(ctx context.Context, cmd string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}

	fn, ok := commands[cmd]
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, stderr)

	sink := terminal{out: stderr}
	c, err := console.New(cfg,
		console.WithNotifier(sink),
		console.WithNavigator(sink),
		console.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer c.Teardown()

	if err := c.Init(ctx); err != nil {
		// Restore failures leave the session anonymous; commands that need
		// a principal report that themselves.
		logger.Warn("continuing without stored session", "error", err)
	}

	return fn(ctx, &app{console: c, stdin: stdin, out: stdout, errOut: stderr}, args)
}

func printUsage(w io.Writer) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: spendsense <command> [args]")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  login                      Log in and store the credential")
	fmt.Fprintln(w, "  signup                     Create a card-user account and log in")
	fmt.Fprintln(w, "  logout                     Clear the stored credential")
	fmt.Fprintln(w, "  whoami                     Show the current principal")
	fmt.Fprintln(w, "  profile [user]             Show a behavioral profile (--window 30|180)")
	fmt.Fprintln(w, "  recommendations [user]     Show recommendations")
	fmt.Fprintln(w, "  transactions [user]        Show transactions (--window)")
	fmt.Fprintln(w, "  consent grant|revoke [user] Change data-use consent")
	fmt.Fprintln(w, "  users                      List subjects (operators only)")
	fmt.Fprintln(w, "  review [list]              Show the review queue (operators only)")
	fmt.Fprintln(w, "  review approve|reject <id> Decide a queued recommendation")
	fmt.Fprintln(w, "  route <path>               Show what the gate decides for a dashboard path")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %-24s Config file (default: %s)\n", config.EnvConfigPath, config.DefaultPath())
	fmt.Fprintf(w, "  %-24s Backend URL (overrides gateway.url)\n", config.EnvGatewayURL)
	fmt.Fprintf(w, "  %-24s Credential to install instead of logging in\n", config.EnvToken)
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  spendsense login --username alice")
	fmt.Fprintln(w, "  spendsense profile --window 180")
	fmt.Fprintln(w, "  spendsense consent revoke --reason 'no longer comfortable'")
	fmt.Fprintln(w)
}
