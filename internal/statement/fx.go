package statement

import "go.uber.org/fx"

var Module = fx.Module("statement",
	fx.Provide(New),
)
