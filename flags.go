package sramtlb

import (
	"strings"

	"github.com/pkg/errors"
)

// Flags describe how a page is mapped.
type Flags uint32

const (
	// Cache policy, in the low bits.
	CacheWB   Flags = 0
	CacheWT   Flags = 1
	CacheNone Flags = 2
	CacheMask Flags = 7

	// Permissions.
	PermRW   Flags = 1 << 3
	PermExec Flags = 1 << 4
	PermUser Flags = 1 << 5
)

var flagNames = []struct {
	name string
	f    Flags
}{
	{"rw", PermRW},
	{"x", PermExec},
	{"user", PermUser},
}

// String returns the flags in the form accepted by ParseFlags.
func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	switch f & CacheMask {
	case CacheWB:
	case CacheWT:
		parts = append(parts, "wt")
	case CacheNone:
		parts = append(parts, "uc")
	default:
		parts = append(parts, "cache?")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses a "|" separated list of rw, x, user, wt and uc.
// "-" and the empty string are no flags.
func ParseFlags(s string) (Flags, error) {
	if s == "" || s == "-" {
		return 0, nil
	}
	var f Flags
	for _, part := range strings.Split(s, "|") {
		switch part {
		case "wt":
			f = f&^CacheMask | CacheWT
			continue
		case "uc":
			f = f&^CacheMask | CacheNone
			continue
		}
		found := false
		for _, n := range flagNames {
			if part == n.name {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown flag %q", part)
		}
	}
	return f, nil
}
