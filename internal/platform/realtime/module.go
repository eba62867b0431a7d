package realtime

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/faceflex/membership/internal/app/service/reconcile"
	"github.com/faceflex/membership/pkg/config"
)

var Module = fx.Options(
	fx.Invoke(runListener),
)

func runListener(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger, engine *reconcile.Engine) {
	if !cfg.Realtime.Enabled {
		log.Infow("realtime listener disabled")
		return
	}

	l := NewListener(cfg, log, engine)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				l.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
