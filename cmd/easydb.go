// Package cmd is the easydb operations tool: it inspects and maintains a
// database directory while no other process has it open.
package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/LUPENGHAN/EASYDB/config"
	"github.com/LUPENGHAN/EASYDB/easydb"
)

var (
	easydbCmd = &cobra.Command{
		Use:               "easydb",
		Short:             "Operate on an EasyDB database directory",
		SilenceUsage:      true,
		PersistentPreRunE: easydbPreRun,
		PersistentPostRun: easydbPostRun,
	}

	dataDir    = "."
	configFile = ""
	logLevel   = ""
	logFile    = ""
	logWriter  io.WriteCloser

	cfg       *config.Config
	usedFlags = map[string]struct{}{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := easydbCmd.PersistentFlags()
	fs.StringVar(&dataDir, "dir", dataDir, "database `directory`")
	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from (.toml or .hcl)")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging instead of standard error")
}

func Execute() error {
	return easydbCmd.Execute()
}

func easydbPreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	if configFile != "" {
		var err error
		if cfg, err = config.Decode(configFile); err != nil {
			return err
		}
	} else {
		cfg = config.Default(dataDir)
	}
	if _, ok := usedFlags["dir"]; ok || cfg.Dir == "" {
		cfg.Dir = dataDir
	}
	if _, ok := usedFlags["log-level"]; ok {
		cfg.LogLevel = logLevel
	}
	// the tool runs alone: no timers
	cfg.CheckpointIntervalSec = 0
	cfg.GCIntervalSec = 0
	cfg.OnMemory = false
	if err := cfg.Validate(); err != nil {
		return err
	}

	if logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("easydb: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("easydb: %s", err)
	}
	log.SetLevel(ll)
	log.WithFields(log.Fields{"pid": os.Getpid(), "dir": cfg.Dir}).Debug("easydb starting")
	return nil
}

func easydbPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Debug("easydb done")

	if logWriter != nil {
		logWriter.Close()
	}
}

// withDatabase opens the database, which runs recovery, hands it to fn and
// closes it cleanly afterwards.
func withDatabase(fn func(db *easydb.EasyDB) error) error {
	db, err := easydb.Open(cfg)
	if err != nil {
		return err
	}
	fnErr := fn(db)
	if err := db.Close(); err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}
