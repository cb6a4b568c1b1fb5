// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/keelscm/keel/pkg/serve/repo"
	"github.com/sirupsen/logrus"
)

type HandlerFunc func(http.ResponseWriter, *Request)

type Server struct {
	*ServerConfig
	srv        *http.Server
	r          *mux.Router
	db         database.DB
	hub        repo.Repositories
	serverName string
}

// GitRouter registers the smart HTTP v1 endpoints. The advertisement
// route authenticates by hand because its operation depends on the
// service query parameter.
func (s *Server) GitRouter(r *mux.Router) {
	r.HandleFunc("/{namespace}/{repo}/info/refs", s.InfoRefs).Methods("GET")
	r.HandleFunc("/{namespace}/{repo}/git-upload-pack", s.OnFunc(s.UploadPack, protocol.DOWNLOAD)).Methods("POST")
	r.HandleFunc("/{namespace}/{repo}/git-receive-pack", s.OnFunc(s.ReceivePack, protocol.UPLOAD)).Methods("POST")
	r.HandleFunc("/{namespace}/{repo}/authorization", s.ShareAuthorization).Methods("POST") // AUTH: shared signature auth
}

func (s *Server) initialize() error {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/healthz", s.Healthz).Methods("GET")
	s.ManagementRouter(r)
	s.GitRouter(r)
	s.r = r
	s.srv.Handler = s
	return nil
}

func NewServer(ctx context.Context, sc *ServerConfig) (*Server, error) {
	if sc.DB == nil || len(sc.Repositories) == 0 {
		fmt.Fprintf(os.Stderr, "database or repositories root not configured\n")
		return nil, errors.New("missing config")
	}
	srv := &Server{
		ServerConfig: sc,
		srv: &http.Server{
			Addr:         sc.Listen,
			ReadTimeout:  sc.ReadTimeout.Duration,
			IdleTimeout:  sc.IdleTimeout.Duration,
			WriteTimeout: sc.WriteTimeout.Duration,
		},
		serverName: sc.BannerVersion,
	}
	if err := srv.initialize(); err != nil {
		return nil, err
	}
	cfg, err := sc.DB.MakeConfig()
	if err != nil {
		return nil, err
	}
	if srv.db, err = database.NewDB(cfg); err != nil {
		return nil, err
	}
	if srv.hub, err = repo.NewRepositories(ctx, &repo.Options{
		Root:    sc.Repositories,
		DB:      srv.db,
		Cache:   sc.Cache,
		Storage: sc.Storage,
		CDC:     sc.CDC,
		Hooks:   sc.Hooks,
		Protect: sc.Protect,
	}); err != nil {
		_ = srv.db.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) ListenAndServe() error {
	logrus.Infof("Keel HTTP Server listen: %v", s.Listen)
	return s.srv.ListenAndServe()
}

func logResponse(hw *ResponseWriter, r *http.Request, tr *trackedReader, spent time.Duration) {
	message := r.Header.Get(ErrorMessageKey)
	switch statusCode := hw.StatusCode(); {
	default:
		logrus.Errorf("[%s] %s %s status: %d received: %d written: %d spent: %v message: %s", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent, message)
		return
		// 200 --- 300
	case statusCode == http.StatusFound:
		logrus.Infof("[%s] %s %s status: %d received: %d written: %d spent: %v", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent)
		return
	case statusCode >= http.StatusOK && statusCode <= http.StatusPermanentRedirect:
		if len(message) != 0 {
			logrus.Errorf("[%s] %s %s status: %d received: %d written: %d spent: %v message: %s", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent, message)
			return
		}
		logrus.Infof("[%s] %s %s status: %d received: %d written: %d spent: %v", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent)
		return
	case statusCode == http.StatusNotFound:
		logrus.Errorf("[%s] %s %s status: %d received: %d written: %d spent: %v message: %s", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent, message)
		return
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		// default behavie
	}
	logrus.Infof("[%s] %s %s status: %d received: %d written: %d spent: %v", hw.F1RemoteAddr(), r.Method, r.RequestURI, hw.StatusCode(), tr.received, hw.Written(), spent)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// remove multiple slash and ./..
	if r.URL != nil {
		r.URL.Path = path.Clean(r.URL.Path)
	}

	w.Header().Set("Server", s.serverName)
	tr := newTrackedReader(r.Body)
	r.Body = tr
	now := time.Now()
	hw := NewResponseWriter(w, r)
	s.r.ServeHTTP(hw, r)
	spent := time.Since(now)
	logResponse(hw, r, tr, spent)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		logrus.Errorf("shutdown http server %v", err)
	}
	if s.hub != nil {
		_ = s.hub.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return nil
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Database().PingContext(r.Context()); err != nil {
		renderFailureFormat(w, r, http.StatusServiceUnavailable, "database unreachable: %v", err)
		return
	}
	JsonEncode(w, &struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (s *Server) open(w http.ResponseWriter, r *Request) (*repo.Repository, error) {
	rr, err := s.hub.Open(r.Context(), r.N, r.R)
	if err != nil {
		s.renderError(w, r, err)
		return nil, err
	}
	return rr, nil
}
