// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements context-tagged logging on top of zap. Log tags
// attached to a context with logtags.AddTag are prepended to every message
// as "[k=v,...] " and attached as structured fields.
package log

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logging struct {
	logger     atomic.Pointer[zap.Logger]
	verbosity  atomic.Int32
	redactable atomic.Bool
}

func init() {
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), zap.WarnLevel)
	logging.logger.Store(zap.New(core))
}

// SetLogger replaces the logger used by the package and returns a function
// restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := logging.logger.Swap(l)
	return func() { logging.logger.Store(prev) }
}

// Logger returns the current logger.
func Logger() *zap.Logger {
	return logging.logger.Load()
}

// SetVerbosity sets the level up to which VEventf messages are emitted and
// returns a function restoring the previous level.
func SetVerbosity(level int32) (restore func()) {
	prev := logging.verbosity.Swap(level)
	return func() { logging.verbosity.Store(prev) }
}

// V returns true if messages at the given verbosity level are emitted.
func V(level int32) bool {
	return logging.verbosity.Load() >= level
}

// SetRedactable controls whether redaction markers are kept in messages.
func SetRedactable(b bool) {
	logging.redactable.Store(b)
}

// FormatWithContextTags formats the message and prepends the context tags.
func FormatWithContextTags(ctx context.Context, format string, args ...interface{}) string {
	var buf strings.Builder
	formatTags(ctx, &buf)
	msg := redact.Sprintf(format, args...)
	if logging.redactable.Load() {
		buf.WriteString(string(msg))
	} else {
		buf.WriteString(msg.StripMarkers())
	}
	return buf.String()
}

func formatTags(ctx context.Context, buf *strings.Builder) {
	tags := logtags.FromContext(ctx)
	if tags == nil || len(tags.Get()) == 0 {
		return
	}
	buf.WriteByte('[')
	tags.FormatToString(buf)
	buf.WriteString("] ")
}

func tagFields(ctx context.Context) []zap.Field {
	tags := logtags.FromContext(ctx)
	if tags == nil {
		return nil
	}
	fields := make([]zap.Field, 0, len(tags.Get()))
	for _, t := range tags.Get() {
		fields = append(fields, zap.Any(t.Key(), t.Value()))
	}
	return fields
}

// Infof logs to the INFO severity.
func Infof(ctx context.Context, format string, args ...interface{}) {
	Logger().Info(FormatWithContextTags(ctx, format, args...), tagFields(ctx)...)
}

// Warningf logs to the WARNING severity.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	Logger().Warn(FormatWithContextTags(ctx, format, args...), tagFields(ctx)...)
}

// Errorf logs to the ERROR severity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	Logger().Error(FormatWithContextTags(ctx, format, args...), tagFields(ctx)...)
}

// VEventf logs to the INFO severity if the verbosity is at least level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		Logger().Info(FormatWithContextTags(ctx, format, args...), tagFields(ctx)...)
	}
}

// Fatal logs err at the ERROR severity together with the calling function,
// file and line, the context tags and any extra fields, and then panics with
// err. Deferred cleanups on the panicking goroutine still run; callers that
// want the process to terminate recover at the top level and exit.
func Fatal(ctx context.Context, err error, fields ...zap.Field) {
	fatalDepth(ctx, 1, err, fields...)
}

// FatalDepth is like Fatal but attributes the message to the caller depth
// frames above its own caller.
func FatalDepth(ctx context.Context, depth int, err error, fields ...zap.Field) {
	fatalDepth(ctx, depth+1, err, fields...)
}

func fatalDepth(ctx context.Context, depth int, err error, fields ...zap.Field) {
	fn, file, line := "?", "?", 0
	if pc, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = filepath.Base(f), l
		if fi := runtime.FuncForPC(pc); fi != nil {
			fn = fi.Name()
		}
	}
	all := make([]zap.Field, 0, len(fields)+4)
	all = append(all, zap.String("func", fn), zap.String("file", file), zap.Int("line", line))
	all = append(all, tagFields(ctx)...)
	all = append(all, fields...)
	all = append(all, zap.Error(err))
	Logger().Error(FormatWithContextTags(ctx, "fatal: %v", err), all...)
	_ = Logger().Sync()
	panic(err)
}
