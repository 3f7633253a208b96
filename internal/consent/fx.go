package consent

import (
	"github.com/gridsight/consentgate/internal/consent/repository"
	"github.com/gridsight/consentgate/internal/consent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("consent.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
