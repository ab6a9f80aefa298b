package migration

import (
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates postgres at startup. Other dialects rely on the schema
// being provisioned out of band.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		log = log.Named("migrations")
		if name := conn.Dialector.Name(); name != db.TypePostgres {
			log.Warn("skipping migrations for non-postgres database", zap.String("dialect", name))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB, log)
	}),
)
