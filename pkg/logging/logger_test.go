package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerWithService(t *testing.T) {
	entry := NewLoggerWithService("threatmap", "debug")
	if entry.Data["service"] != "threatmap" {
		t.Fatalf("expected service field, got %v", entry.Data)
	}
	if entry.Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", entry.Logger.GetLevel())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	l := NewLogger("info")
	if OrDiscard(l) != Logger(l) {
		t.Error("OrDiscard should return the given logger")
	}
}
