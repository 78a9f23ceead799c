package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error message")
			logger.Warnf("warn message")
			logger.Infof("info message")
			logger.Debugf("debug message")

			output := buf.String()

			if got := strings.Contains(output, "ERROR "); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN "); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO "); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG "); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_Formatted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug)

	logger.Errorf("error %d", 1)
	logger.Warnf("warn %d", 2)
	logger.Infof("info %d", 3)
	logger.Debugf("debug %d", 4)

	output := buf.String()
	for _, want := range []string{"error 1", "warn 2", "info 3", "debug 4"} {
		if !strings.Contains(output, want) {
			t.Errorf("formatted message %q not found in %q", want, output)
		}
	}
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	if IsNil(Discard) {
		t.Error("IsNil(Discard) = true")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced Discard")
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"error", LevelError, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{" Info ", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"verbose", LevelWarn, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNamespaceConstants(t *testing.T) {
	namespaces := []string{NSMipmap, NSJobs, NSMeta, NSBudget, NSAlloc, NSDiskCache, NSDecode}
	for _, ns := range namespaces {
		if !strings.HasPrefix(ns, "[") || !strings.HasSuffix(ns, "] ") {
			t.Errorf("namespace %q should be in \"[name] \" format", ns)
		}
	}
}

func TestLogFormat_Standard(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Infof("%s%s", NSMipmap, "evicted 3 buffers")

	output := buf.String()
	if !strings.Contains(output, "INFO [mipmap] evicted 3 buffers") {
		t.Errorf("unexpected log line: %q", output)
	}
}

type nopLogger struct{}

func (*nopLogger) Errorf(string, ...any) {}
func (*nopLogger) Warnf(string, ...any)  {}
func (*nopLogger) Infof(string, ...any)  {}
func (*nopLogger) Debugf(string, ...any) {}

func TestOrDefault(t *testing.T) {
	var typedNil *nopLogger
	if !IsNil(typedNil) {
		t.Error("IsNil(typed nil) = false, want true")
	}
	if _, ok := OrDefault(typedNil).(*DefaultLogger); !ok {
		t.Error("OrDefault(typed nil) should return a DefaultLogger")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault(Discard) should return Discard")
	}
}
