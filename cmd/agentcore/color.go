package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""

func colorize(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func green(s string) string  { return colorize("32", s) }
func red(s string) string    { return colorize("31", s) }
func yellow(s string) string { return colorize("33", s) }
func bold(s string) string   { return colorize("1", s) }
