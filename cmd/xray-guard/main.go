package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"
)

func getVersion() string {
	content, err := os.ReadFile("VERSION")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(content))
}

func main() {
	app := cli.NewApp()
	app.Name = "xray-guard"
	app.Usage = "Watch Xray proxy clients for abusive traffic patterns and act on them."
	app.Version = getVersion()
	app.Commands = commands()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
