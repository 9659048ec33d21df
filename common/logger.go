package common

import (
	log "github.com/sirupsen/logrus"
)

type LogLevel int32

const (
	DEBUG_INFO_DETAIL LogLevel = 1
	DEBUG_INFO                 = 2
	RECOVERY_INFO              = 4
	LOCK_INFO                  = 8
	INFO                       = 16
	WARN                       = 32
	ERROR                      = 64
	FATAL                      = 128
)

// LogLevelSetting masks which kinds ShPrintf emits.
var LogLevelSetting LogLevel = ActiveLogKindSetting

func ShPrintf(logLevel LogLevel, fmtStl string, a ...interface{}) {
	if logLevel&LogLevelSetting == 0 {
		return
	}
	switch {
	case logLevel&(ERROR|FATAL) > 0:
		log.Errorf(fmtStl, a...)
	case logLevel&WARN > 0:
		log.Warnf(fmtStl, a...)
	case logLevel&INFO > 0:
		log.Infof(fmtStl, a...)
	default:
		log.Debugf(fmtStl, a...)
	}
}
