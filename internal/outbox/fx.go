package outbox

import (
	"github.com/smallbiznis/uplink/internal/outbox/repository"
	"github.com/smallbiznis/uplink/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
