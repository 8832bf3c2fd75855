// ABOUTME: Terminal sinks for gateway notifications and forced navigation
// ABOUTME: Prints colored messages to stderr in place of dashboard toasts and redirects

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/2389/spendsense/internal/gateway"
)

type terminal struct {
	out io.Writer
}

func (t terminal) Notify(n gateway.Notification) {
	switch n.Level {
	case gateway.LevelError:
		fmt.Fprintln(t.out, color.RedString("✗ %s", n.Message))
	case gateway.LevelWarn:
		fmt.Fprintln(t.out, color.YellowString("! %s", n.Message))
	default:
		fmt.Fprintln(t.out, color.CyanString("• %s", n.Message))
	}
}

func (t terminal) Navigate(path string) {
	fmt.Fprintln(t.out, color.HiBlackString("→ %s (run `spendsense login`)", path))
}
