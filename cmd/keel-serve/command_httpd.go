// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"

	"github.com/keelscm/keel/pkg/serve/httpserver"
	"github.com/sirupsen/logrus"
)

type HTTPD struct {
	Config string `short:"c" name:"config" help:"Location of server config file" default:"~/config/keel-serve-httpd.toml" type:"path"`
}

func (c *HTTPD) Run(globals *Globals) error {
	sc, err := httpserver.NewServerConfig(c.Config, globals.ExpandEnv)
	if err != nil {
		logrus.Errorf("keel-serve httpd load server config error: %v", err)
		return err
	}
	srv, err := httpserver.NewServer(context.Background(), sc)
	if err != nil {
		logrus.Errorf("keel-serve httpd new httpd server error: %v", err)
		return err
	}
	closer := newCloser()
	go closer.listenSignal(context.Background(), srv)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("keel-serve httpd listen server error: %v", err)
		return err
	}
	<-closer.ch
	logrus.Infof("keel-serve httpd exited")
	return nil
}
