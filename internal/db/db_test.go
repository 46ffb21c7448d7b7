package db

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLoggerTrace(t *testing.T) {
	query := func() (string, int64) { return "SELECT 1", 1 }

	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		elapsed time.Duration
		err     error
		want    string
	}{
		{name: "error logged", level: gormlogger.Warn, err: errors.New("boom"), want: "query failed"},
		{name: "not found ignored", level: gormlogger.Warn, err: gormlogger.ErrRecordNotFound, want: ""},
		{name: "slow query", level: gormlogger.Warn, elapsed: time.Second, want: "slow query"},
		{name: "fast query quiet at warn", level: gormlogger.Warn, want: ""},
		{name: "silent", level: gormlogger.Silent, err: errors.New("boom"), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := newGormLogger(zerolog.New(&buf)).LogMode(tt.level)

			l.Trace(context.Background(), time.Now().Add(-tt.elapsed), query, tt.err)

			if tt.want == "" {
				if buf.Len() != 0 {
					t.Fatalf("unexpected log line %q", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("log %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	body, _ := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	if !bytes.Contains(body, []byte("WHERE status = 'ACTIVE'")) {
		t.Fatal("first migration lacks the active-plate unique index")
	}
}
