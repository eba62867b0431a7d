package identity

import "go.uber.org/fx"

// Module exposes the identity resolver via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
