// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/gliderlabs/ssh"
	"github.com/keelscm/keel/pkg/serve/sshserver"
	"github.com/sirupsen/logrus"
)

type SSHD struct {
	Config string `short:"c" name:"config" help:"Location of server config file" default:"~/config/keel-serve-sshd.toml" type:"path"`
}

func (c *SSHD) Run(globals *Globals) error {
	sc, err := sshserver.NewServerConfig(c.Config, globals.ExpandEnv)
	if err != nil {
		logrus.Errorf("keel-serve sshd load server config error: %v", err)
		return err
	}
	srv, err := sshserver.NewServer(context.Background(), sc)
	if err != nil {
		logrus.Errorf("keel-serve sshd new sshd server error: %v", err)
		return err
	}
	closer := newCloser()
	go closer.listenSignal(context.Background(), srv)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		logrus.Errorf("keel-serve sshd listen server error: %v", err)
		return err
	}
	<-closer.ch
	logrus.Infof("keel-serve sshd exited")
	return nil
}
