package config

import (
	"errors"
	"strings"
	"testing"
)

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version int
		ok      bool
		newer   bool
		hint    string
	}{
		{version: OldestVersion, ok: true},
		{version: CurrentVersion, ok: true},
		{version: 0, hint: "flowgate config schema"},
		{version: -3, hint: "older than"},
		{version: CurrentVersion + 1, newer: true, hint: "upgrade flowgate"},
	}

	for _, tt := range tests {
		err := checkVersion(tt.version)
		if tt.ok {
			if err != nil {
				t.Errorf("checkVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("checkVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Found != tt.version || ve.Newer != tt.newer {
			t.Errorf("checkVersion(%d) = %+v", tt.version, ve)
		}
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("checkVersion(%d) does not match ErrUnsupportedVersion", tt.version)
		}
		if !strings.Contains(err.Error(), tt.hint) {
			t.Errorf("message %q should mention %q", err.Error(), tt.hint)
		}
	}
}
