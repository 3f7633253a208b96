package subscription

import (
	"go.uber.org/fx"

	"github.com/gridsight/consentgate/internal/subscription/repository"
	"github.com/gridsight/consentgate/internal/subscription/service"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
