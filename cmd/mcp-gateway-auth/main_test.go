package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		wantErr bool
	}{
		{"info", "json", false},
		{"debug", "text", false},
		{"WARN", "JSON", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		_, err := newLogger(&rootOptions{logLevel: tt.level, logFormat: tt.format})
		if (err != nil) != tt.wantErr {
			t.Errorf("newLogger(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
		}
	}
}

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("oauth:\n  issuer: https://gw.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("oauth:\n  issuer: http://gw.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	run := func(path string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"validate-config", "--config", path})
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run(valid)
	if err != nil {
		t.Fatalf("validate-config error = %v", err)
	}
	if !strings.Contains(out, "configuration is valid") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(invalid); err == nil {
		t.Error("validate-config should reject a plain HTTP issuer")
	}
}
