// Package cmn provides types, error taxonomy, configuration, and other
// utilities shared across the page server core.
// This file wraps glog logging and trace-id generation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"github.com/golang/glog"
	"github.com/teris-io/shortid"
)

// TraceID returns a short correlation id for tagging a chain of log lines
// belonging to one scheduled operation (an upload, a slot acquisition, an
// attach).
func TraceID() string {
	id, err := shortid.Generate()
	if err != nil {
		return "????"
	}
	return id
}

// Logf/Warnf/Errf wrap glog.Infof/Warningf/Errorf; kept as thin package
// functions so call sites read the same way regardless of which concrete
// sink backs them in tests.
func Logf(format string, args ...interface{})  { glog.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func Errf(format string, args ...interface{})  { glog.Errorf(format, args...) }

// V reports whether verbose logging at the given level is enabled, mirroring
// glog.V(level).
func V(level glog.Level) glog.Verbose { return glog.V(level) }
