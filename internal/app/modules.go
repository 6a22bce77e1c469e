package app

import (
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/modules/system/admin"
	"github.com/specialistvlad/botkernel/modules/system/backup"
	"github.com/specialistvlad/botkernel/modules/system/base"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/logger"
	"github.com/specialistvlad/botkernel/modules/system/modulemanager"
	"github.com/specialistvlad/botkernel/modules/system/notifications"
	"github.com/specialistvlad/botkernel/modules/system/scheduler"
	"github.com/specialistvlad/botkernel/modules/system/security"
	"github.com/specialistvlad/botkernel/modules/system/stats"
	"github.com/specialistvlad/botkernel/modules/user/example"
)

// DefaultCatalog is the definitive list of all modules that are compiled
// into the botkernel binary.
func DefaultCatalog() *module.Catalog {
	return module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(logger.Name, logger.New).
		MustRegister(security.Name, security.New).
		MustRegister(notifications.Name, notifications.New).
		MustRegister(scheduler.Name, scheduler.New).
		MustRegister(stats.Name, stats.New).
		MustRegister(admin.Name, admin.New).
		MustRegister(modulemanager.Name, modulemanager.New).
		MustRegister(backup.Name, backup.New).
		MustRegister(base.Name, base.New).
		MustRegister(example.Name, example.New)
}
