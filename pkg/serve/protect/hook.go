// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protect

import (
	"context"

	"github.com/keelscm/keel/pkg/serve/hook"
)

// HookID names the builtin protection hook in registries and reports.
const HookID = "branch-protection"

// Hook adapts the engine into an update hook. It runs ahead of
// user-registered hooks and judges one ref at a time, so in a
// non-atomic push a protected ref never sinks its siblings.
func Hook(engine *Engine) hook.Hook {
	return hook.Hook{
		ID:       HookID,
		Point:    hook.Update,
		Priority: 10,
		Handler: func(ctx context.Context, req *hook.Request) error {
			actor := Actor{User: req.User, Teams: req.Teams, Admin: req.Admin}
			return engine.Evaluate(ctx, req.Objects, actor, req.Ref)
		},
	}
}
