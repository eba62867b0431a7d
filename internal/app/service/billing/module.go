package billing

import "go.uber.org/fx"

// Module exposes the Stripe-backed billing provider via Fx.
var Module = fx.Options(
	fx.Provide(NewStripeProvider),
)
