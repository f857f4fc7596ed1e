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

package log

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(SetLogger(zap.New(core)))
	return logs
}

func TestContextTags(t *testing.T) {
	logs := observe(t)
	ctx := logtags.AddTag(context.Background(), "table", "x")
	ctx = logtags.AddTag(ctx, "node", 3)

	Infof(ctx, "hello %d", 7)
	Warningf(context.Background(), "untagged")

	entries := logs.TakeAll()
	require.Len(t, entries, 2)
	require.Equal(t, "[table=x,node=3] hello 7", entries[0].Message)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, map[string]interface{}{"table": "x", "node": int64(3)}, entries[0].ContextMap())
	require.Equal(t, "untagged", entries[1].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestVerbosity(t *testing.T) {
	logs := observe(t)
	ctx := context.Background()

	VEventf(ctx, 1, "hidden")
	require.Zero(t, logs.Len())

	restore := SetVerbosity(2)
	require.True(t, V(1))
	require.True(t, V(2))
	require.False(t, V(3))
	VEventf(ctx, 1, "shown")
	VEventf(ctx, 3, "still hidden")
	restore()
	require.False(t, V(1))

	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	require.Equal(t, "shown", entries[0].Message)
}

func TestRedactable(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "buffer secret size 10",
		FormatWithContextTags(ctx, "buffer %s size %d", "secret", redact.Safe(10)))

	SetRedactable(true)
	defer SetRedactable(false)
	msg := FormatWithContextTags(ctx, "buffer %s size %d", "secret", redact.Safe(10))
	require.Equal(t, "buffer ‹secret› size 10", msg)
	require.Equal(t, "buffer ‹×› size 10", string(redact.RedactableString(msg).Redact()))
}

func TestFatal(t *testing.T) {
	logs := observe(t)
	ctx := logtags.AddTag(context.Background(), "table", "t")
	err := errors.New("boom")

	require.PanicsWithError(t, "boom", func() {
		Fatal(ctx, err, zap.String("code", "pebcak"))
	})

	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, zapcore.ErrorLevel, e.Level)
	require.Equal(t, "[table=t] fatal: boom", e.Message)
	fields := e.ContextMap()
	require.Equal(t, "log_test.go", fields["file"])
	require.True(t, strings.Contains(fields["func"].(string), "TestFatal"), "%s", fields["func"])
	require.NotZero(t, fields["line"])
	require.Equal(t, "pebcak", fields["code"])
	require.Equal(t, "t", fields["table"])
	require.Equal(t, "boom", fields["error"])
}

func fatalHelper(ctx context.Context, err error) {
	FatalDepth(ctx, 1, err)
}

func TestFatalDepth(t *testing.T) {
	logs := observe(t)
	require.Panics(t, func() {
		fatalHelper(context.Background(), errors.New("deep"))
	})
	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.True(t, strings.Contains(fields["func"].(string), "TestFatalDepth"), "%s", fields["func"])
	require.NotContains(t, fields["func"], "fatalHelper")
}
