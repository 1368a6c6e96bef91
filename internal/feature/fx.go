package feature

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

var Module = fx.Module("feature.registry",
	fx.Provide(NewRegistry),
	fx.Provide(func(r *Registry) domain.FeatureRegistry { return r }),
)
