// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/keelscm/keel/pkg/serve"
	"github.com/keelscm/keel/pkg/serve/database"
)

// Request is an authenticated http.Request. U is nil for anonymous
// fetches of public repositories, N and R are always resolved.
type Request struct {
	*http.Request
	U *database.User
	N *database.Namespace
	R *database.Repository
}

func (r *Request) W(message string) string {
	return serve.W(r.Request, message)
}
