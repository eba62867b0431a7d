package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/faceflex/membership/internal/app/api/server"
	"github.com/faceflex/membership/internal/app/service/billing"
	"github.com/faceflex/membership/internal/app/service/identity"
	"github.com/faceflex/membership/internal/app/service/reconcile"
	"github.com/faceflex/membership/internal/app/service/subscription"
	"github.com/faceflex/membership/internal/platform/db"
	"github.com/faceflex/membership/internal/platform/realtime"
	"github.com/faceflex/membership/pkg/config"
	"github.com/faceflex/membership/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	identity.Module,
	subscription.Module,
	billing.Module,
	reconcile.Module,
	realtime.Module,
)
