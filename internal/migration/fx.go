package migration

import (
	auditdomain "github.com/smallbiznis/numera/internal/audit/domain"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	"github.com/smallbiznis/numera/internal/config"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// non-postgres deployments (dev sqlite, mysql) build the schema
			// straight from the models
			return conn.AutoMigrate(
				&companydomain.Brand{},
				&companydomain.Company{},
				&companydomain.BalanceMovement{},
				&ddidomain.Ddi{},
				&ddidomain.SuspensionLog{},
				&orderdomain.DidOrder{},
				&invoicedomain.Invoice{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
