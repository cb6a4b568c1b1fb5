// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/keelscm/keel/modules/plumbing/format/pktline"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/keelscm/keel/pkg/serve/repo"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// InfoRefs: GET /{namespace}/{repo}/info/refs?service=git-upload-pack
//
// The advertisement names the capabilities of this server and every ref
// the client may negotiate over. git never caches it.
func (s *Server) InfoRefs(w http.ResponseWriter, r *http.Request) {
	svc := r.URL.Query().Get("service")
	if !protocol.ValidService(svc) {
		renderFailureFormat(w, r, http.StatusBadRequest, "dumb protocol is not supported: service '%s'", svc)
		return
	}
	req, err := s.doAuth(w, r, protocol.ServiceOperation(svc))
	if err != nil {
		return
	}
	rr, err := s.open(w, req)
	if err != nil {
		return
	}
	defer rr.Close() // nolint
	caps, refs, err := rr.Advertise(req.Context(), svc)
	if err != nil {
		s.renderError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", protocol.AdvertisementType(svc))
	w.Header().Set("Cache-Control", "no-cache")
	if err := protocol.WriteSmartPrelude(w, svc); err != nil {
		r.Header.Set(ErrorMessageKey, err.Error())
		return
	}
	if err := protocol.WriteAdvertisement(w, caps, refs); err != nil {
		r.Header.Set(ErrorMessageKey, err.Error())
	}
}

// UploadPack: POST /{namespace}/{repo}/git-upload-pack
func (s *Server) UploadPack(w http.ResponseWriter, r *Request) {
	body, err := s.serviceBody(w, r, protocol.ServiceUploadPack)
	if err != nil {
		return
	}
	defer body.Close() // nolint
	req, err := repo.ParseFetchRequest(body)
	if err != nil {
		renderFailureFormat(w, r.Request, http.StatusBadRequest, "parse upload-pack request: %v", err)
		return
	}
	rr, err := s.open(w, r)
	if err != nil {
		return
	}
	defer rr.Close() // nolint
	w.Header().Set("Content-Type", protocol.ResultType(protocol.ServiceUploadPack))
	w.Header().Set("Cache-Control", "no-cache")
	if err := rr.Fetch(r.Context(), req, w); err != nil {
		s.renderGitError(w, r, err)
	}
}

// ReceivePack: POST /{namespace}/{repo}/git-receive-pack
func (s *Server) ReceivePack(w http.ResponseWriter, r *Request) {
	body, err := s.serviceBody(w, r, protocol.ServiceReceivePack)
	if err != nil {
		return
	}
	defer body.Close() // nolint
	rr, err := s.open(w, r)
	if err != nil {
		return
	}
	defer rr.Close() // nolint
	actor := &repo.Actor{
		UID:   r.U.ID,
		User:  r.U.UserName,
		Admin: r.U.Administrator,
	}
	w.Header().Set("Content-Type", protocol.ResultType(protocol.ServiceReceivePack))
	w.Header().Set("Cache-Control", "no-cache")
	if err := rr.Push(r.Context(), actor, body, w); err != nil {
		s.renderGitError(w, r, err)
	}
}

// serviceBody gates the smart content type and unwraps gzip bodies. git
// compresses request bodies above ~1KiB unless http.postBuffer says
// otherwise.
func (s *Server) serviceBody(w http.ResponseWriter, r *Request, svc string) (io.ReadCloser, error) {
	if ct := r.Header.Get("Content-Type"); !EqualFold(ct, protocol.RequestType(svc)) {
		renderFailureFormat(w, r.Request, http.StatusUnsupportedMediaType, "unexpected content type: '%s'", ct)
		return nil, ErrStop
	}
	if !EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return r.Body, nil
	}
	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		renderFailureFormat(w, r.Request, http.StatusBadRequest, "broken gzip body: %v", err)
		return nil, err
	}
	return zr, nil
}

// renderGitError reports a pipeline failure. Once report bytes are on
// the wire the HTTP status is spent; all that is left is breaking the
// stream and logging the cause for logResponse.
func (s *Server) renderGitError(w http.ResponseWriter, r *Request, err error) {
	if errors.Is(err, repo.ErrReportStarted) {
		r.Header.Set(ErrorMessageKey, err.Error())
		return
	}
	if hw, ok := w.(*ResponseWriter); ok && hw.Written() != 0 {
		logrus.Errorf("[%s/%s] smart response aborted mid-stream: %v", r.N.Path, r.R.Path, err)
		r.Header.Set(ErrorMessageKey, err.Error())
		return
	}
	if errors.Is(err, protocol.ErrMalformedCommand) || errors.Is(err, pktline.ErrInvalidPktLen) || errors.Is(err, pktline.ErrPayloadTooLong) {
		renderFailureFormat(w, r.Request, http.StatusBadRequest, "parse receive-pack request: %v", err)
		return
	}
	s.renderError(w, r, err)
}
