package ledger

import (
	"github.com/gridsight/consentgate/internal/ledger/repository"
	"github.com/gridsight/consentgate/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
