package ble

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultNamePrefixes are the advertised name prefixes of supported cubes.
var DefaultNamePrefixes = []string{"GiC", "GiS"}

// NamePrefixMatcher returns a scan filter accepting devices whose local
// name starts with one of prefixes.
func NamePrefixMatcher(prefixes []string) func(Device) bool {
	return func(d Device) bool {
		if d.Name == "" {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(d.Name, p) {
				return true
			}
		}
		return false
	}
}

// ScanForCubes scans for cubes advertising one of the given name prefixes.
// A nil prefixes slice uses DefaultNamePrefixes.
func ScanForCubes(adapter Adapter, timeout time.Duration, prefixes []string) ([]Device, error) {
	if prefixes == nil {
		prefixes = DefaultNamePrefixes
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, NamePrefixMatcher(prefixes))
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
