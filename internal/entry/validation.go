package entry

import (
	"fmt"
	"strings"
)

const maxPort = 65535

// Validate checks the connection settings.
func (d Data) Validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if d.Port < 1 || d.Port > maxPort {
		return fmt.Errorf("%w: port %d out of range 1-%d", ErrInvalidConfig, d.Port, maxPort)
	}
	return nil
}

// Validate checks source ids, zone numbers and default sources.
func (o Options) Validate() error {
	var errs []string

	for id := range o.Sources {
		if id < SourceMin || id > SourceMax {
			errs = append(errs, fmt.Sprintf("source id %d out of range %d-%d", id, SourceMin, SourceMax))
		}
	}

	seen := make(map[int]string, len(o.Zones))
	for key, z := range o.Zones {
		if key == "" {
			errs = append(errs, "zone key is empty")
		}
		if z.Number < ZoneMin || z.Number > ZoneMax {
			errs = append(errs, fmt.Sprintf("zone %q number %d out of range %d-%d", key, z.Number, ZoneMin, ZoneMax))
		}
		if other, dup := seen[z.Number]; dup {
			errs = append(errs, fmt.Sprintf("zone number %d used by both %q and %q", z.Number, other, key))
		}
		seen[z.Number] = key
		if z.Default != nil && (*z.Default < SourceMin || *z.Default > SourceMax) {
			errs = append(errs, fmt.Sprintf("zone %q default source %d out of range %d-%d", key, *z.Default, SourceMin, SourceMax))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := c.Data.Validate(); err != nil {
		return err
	}
	return Options{Sources: c.Sources, Zones: c.Zones}.Validate()
}
