package metering

import (
	"context"

	"go.uber.org/fx"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
	"github.com/smallbiznis/usagebuffer/internal/metering/repository"
	"github.com/smallbiznis/usagebuffer/internal/metering/service"
)

var Module = fx.Module("metering",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, s *service.Service) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
}
