// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package rtlog is the runtime's ambient logging facade. It mirrors
// cider-cider's broker/log package: a package-level seelog.LoggerInterface
// that defaults to disabled and can be swapped at process startup.
package rtlog

import (
	"errors"
	"io"

	"github.com/cihub/seelog"
)

var logger seelog.LoggerInterface

func init() {
	DisableLog()
}

// DisableLog silences the runtime. This is the default.
func DisableLog() {
	logger = seelog.Disabled
}

// UseLogger installs newLogger as the runtime-wide logger.
func UseLogger(newLogger seelog.LoggerInterface) {
	newLogger.SetAdditionalStackDepth(1)
	logger = newLogger
}

// SetLogWriter installs a logger that writes to w at the given minimum level.
func SetLogWriter(w io.Writer, minLevel seelog.LogLevel) error {
	if w == nil {
		return errors.New("rtlog: nil writer not allowed")
	}

	newLogger, err := seelog.LoggerFromWriterWithMinLevel(w, minLevel)
	if err != nil {
		return err
	}

	UseLogger(newLogger)
	return nil
}

func Tracef(format string, params ...interface{}) { logger.Tracef(format, params...) }
func Debugf(format string, params ...interface{}) { logger.Debugf(format, params...) }
func Infof(format string, params ...interface{})  { logger.Infof(format, params...) }

func Warnf(format string, params ...interface{}) error {
	return logger.Warnf(format, params...)
}

func Errorf(format string, params ...interface{}) error {
	return logger.Errorf(format, params...)
}

func Trace(v ...interface{}) { logger.Trace(v...) }
func Debug(v ...interface{}) { logger.Debug(v...) }
func Info(v ...interface{})  { logger.Info(v...) }

func Warn(v ...interface{}) error  { return logger.Warn(v...) }
func Error(v ...interface{}) error { return logger.Error(v...) }

func Flush() { logger.Flush() }
