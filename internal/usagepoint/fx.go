package usagepoint

import (
	"github.com/gridsight/consentgate/internal/usagepoint/repository"
	"github.com/gridsight/consentgate/internal/usagepoint/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagepoint.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
