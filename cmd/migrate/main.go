// migrate manages the session authority schema in DATABASE_URL.
//
//	migrate                 apply every pending migration
//	migrate -direction down revert everything
//	migrate -steps -1       revert the newest migration
//	migrate -status         print applied and embedded versions
//	migrate -check          exit 1 unless the schema is current (deploy gate)
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"session-authority/internal/config"
	"session-authority/internal/db/migrate"
	"session-authority/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	steps := flag.Int("steps", 0, "Apply n migrations (negative reverts); overrides -direction")
	status := flag.Bool("status", false, "Print the applied schema version and exit")
	check := flag.Bool("check", false, "Exit non-zero when migrations are pending or the schema is dirty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *status || *check {
		st, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("migrate: version")
		}
		entry := log.WithFields(logrus.Fields{
			"version": st.Version,
			"latest":  st.Latest,
			"pending": st.Pending(),
			"dirty":   st.Dirty,
		})
		if *check && !st.Current() {
			entry.Error("migrate: schema is not current")
			os.Exit(1)
		}
		entry.Info("migrate: schema status")
		return
	}

	if *steps != 0 {
		err = migrate.Steps(cfg.DatabaseURL, *steps)
	} else {
		err = migrate.Run(cfg.DatabaseURL, *direction)
	}
	fields := logrus.Fields{"direction": *direction, "steps": *steps}
	if err != nil {
		log.WithError(err).WithFields(fields).Error("migrate failed")
		os.Exit(1)
	}
	log.WithFields(fields).Info("migrate: done")
}
