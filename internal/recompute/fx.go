package recompute

import (
	"github.com/smallbiznis/uplink/internal/recompute/repository"
	"github.com/smallbiznis/uplink/internal/recompute/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recompute.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
