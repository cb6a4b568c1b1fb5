// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keelscm/keel/pkg/serve/protocol"
)

// ShareAuthorization: POST /{namespace}/{repo}/authorization
//
// Exchanges a basic credential for a short-lived bearer token so that
// follow-up requests skip the argon2id comparison. CI runners fetching
// many repositories in a burst lean on this.
func (s *Server) ShareAuthorization(w http.ResponseWriter, r *http.Request) {
	var sa protocol.SASHandshake
	if err := json.NewDecoder(r.Body).Decode(&sa); err != nil {
		renderFailureFormat(w, r, http.StatusBadRequest, "decode handshake error: %v", err)
		return
	}
	req, err := s.basicAuth(w, r, sa.Operation)
	if err != nil {
		return
	}
	expiresAt := time.Now().Add(time.Hour * 2)
	token, err := GenerateJWT(req.U, req.R.ID, sa.Operation, expiresAt)
	if err != nil {
		renderFailureFormat(w, r, http.StatusInternalServerError, "new token error: %v", err)
		return
	}
	JsonEncode(w, &protocol.SASPayload{
		Header: protocol.PayloadHeader{
			Authorization: BearerPrefix + token,
		},
		ExpiresAt: expiresAt,
	})
}
