package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), strings.NewReader(""), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "rotbot ") {
		t.Errorf("version output = %q, want prefix %q", out.String(), "rotbot ")
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	for _, args := range [][]string{
		{"-o", "json", "version"},
		{"--output=json", "version"},
		{"version", "-o", "json"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			var out bytes.Buffer
			if err := run(context.Background(), strings.NewReader(""), &out, &out, args); err != nil {
				t.Fatalf("run: %v", err)
			}
			var info map[string]string
			if err := json.Unmarshal(out.Bytes(), &info); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out.String())
			}
			for _, k := range []string{"version", "go_version", "os", "arch"} {
				if info[k] == "" {
					t.Errorf("missing %q in %v", k, info)
				}
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), strings.NewReader(""), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: rotbot") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: rotbot ask"},
		{"missing explicit config", []string{"-config", "/nonexistent/rotbot.yaml", "serve"}, "nonexistent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), strings.NewReader(""), &out, &out, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
