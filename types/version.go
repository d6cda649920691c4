package types

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the three-part numeric version of a process definition.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1.2.3" (an optional leading "v" is accepted).
func ParseVersion(s string) (Version, error) {
	canonical := s
	if len(canonical) == 0 || canonical[0] != 'v' {
		canonical = "v" + canonical
	}
	if !semver.IsValid(canonical) || semver.Prerelease(canonical) != "" || semver.Build(canonical) != "" {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var v Version
	if _, err := fmt.Sscanf(canonical, "v%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or +1 as v is lower than, equal to or higher than o.
func (v Version) Compare(o Version) int {
	return semver.Compare("v"+v.String(), "v"+o.String())
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
