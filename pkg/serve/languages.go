// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import "net/http"

// W resolves a client-facing message for the request. No translation
// catalog ships with this tree, so messages pass through unchanged.
func W(r *http.Request, message string) string {
	return message
}
