package reconcile

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module exposes the reconciliation engine via Fx and ties its event loop to
// the application lifecycle.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(runEngine),
)

func runEngine(lc fx.Lifecycle, log *zap.SugaredLogger, e *Engine) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				e.Run(loopCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warnw("reconcile engine did not stop before deadline")
			}
			return nil
		},
	})
}
