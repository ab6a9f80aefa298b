package rank

import (
	"github.com/smallbiznis/uplink/internal/rank/repository"
	"github.com/smallbiznis/uplink/internal/rank/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rank.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
