// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/keelscm/keel/pkg/version"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

type App struct {
	Globals
	HTTPD   HTTPD   `cmd:"httpd" help:"start keel-serve httpd server"`
	SSHD    SSHD    `cmd:"sshd" help:"start keel-serve sshd server"`
	Keygen  Keygen  `cmd:"keygen" help:"Generates a random private key"`
	Encrypt Encrypt `cmd:"encrypt" help:"Encrypt a config secret with the server key"`
}

func initializeLogger(verbose bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	var app App
	ctx := kong.Parse(&app,
		kong.Name("keel-serve"),
		kong.Description("Keel - A server-side Git host with tiered storage"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.GetVersionString(),
		},
	)
	initializeLogger(app.Verbose)
	if err := ctx.Run(&app.Globals); err != nil {
		os.Exit(1)
	}
}
