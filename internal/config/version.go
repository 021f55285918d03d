package config

import (
	"errors"
	"fmt"
)

// Config file layouts this build can read. An omitted version is treated as
// CurrentVersion by applyDefaults.
const (
	OldestVersion  = 1
	CurrentVersion = 1
)

// ErrUnsupportedVersion matches every *VersionError via errors.Is.
var ErrUnsupportedVersion = errors.New("unsupported config version")

// VersionError reports a version outside [OldestVersion, CurrentVersion].
type VersionError struct {
	Found int
	Newer bool
}

func (e *VersionError) Error() string {
	if e.Newer {
		return fmt.Sprintf("version %d was written for a newer flowgate than this build (reads up to %d); upgrade flowgate",
			e.Found, CurrentVersion)
	}
	return fmt.Sprintf("version %d is older than the oldest layout this build reads (%d); compare with `flowgate config schema`",
		e.Found, OldestVersion)
}

func (e *VersionError) Is(target error) bool { return target == ErrUnsupportedVersion }

func checkVersion(v int) error {
	switch {
	case v > CurrentVersion:
		return &VersionError{Found: v, Newer: true}
	case v < OldestVersion:
		return &VersionError{Found: v}
	}
	return nil
}
