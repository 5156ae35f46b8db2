package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity is one registered entity, for example a media player zone.
type Entity struct {
	EntityID      string `json:"entity_id"`
	UniqueID      string `json:"unique_id"`
	Platform      string `json:"platform"`
	ConfigEntryID string `json:"config_entry_id"`
	DeviceID      string `json:"device_id,omitempty"`
	OriginalName  string `json:"original_name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the entity.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cpy := *e
	return &cpy
}

// Domain returns the entity domain, the part of the entity id before the dot.
func (e *Entity) Domain() string {
	domain, _, _ := strings.Cut(e.EntityID, ".")
	return domain
}

// Identifier names a device within an integration domain, for example
// ("savantaudio", serial number).
type Identifier struct {
	Domain string `json:"domain"`
	ID     string `json:"id"`
}

func (i Identifier) String() string {
	return i.Domain + ":" + i.ID
}

// Device is one registered device.
type Device struct {
	ID            string       `json:"id"`
	ConfigEntryID string       `json:"config_entry_id"`
	Identifiers   []Identifier `json:"identifiers"`
	Manufacturer  string       `json:"manufacturer,omitempty"`
	Model         string       `json:"model,omitempty"`
	Name          string       `json:"name"`
	SWVersion     string       `json:"sw_version,omitempty"`
	HWVersion     string       `json:"hw_version,omitempty"`
	ViaDeviceID   string       `json:"via_device_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Identifiers != nil {
		cpy.Identifiers = make([]Identifier, len(d.Identifiers))
		copy(cpy.Identifiers, d.Identifiers)
	}
	return &cpy
}

// HasIdentifier reports whether the device carries id.
func (d *Device) HasIdentifier(id Identifier) bool {
	for _, have := range d.Identifiers {
		if have == id {
			return true
		}
	}
	return false
}

// DeviceInfo describes a device to register. ViaDevice, when set, names the
// parent device by identifier; it must already be registered.
type DeviceInfo struct {
	ConfigEntryID string
	Identifiers   []Identifier
	Manufacturer  string
	Model         string
	Name          string
	SWVersion     string
	HWVersion     string
	ViaDevice     *Identifier
}

// EntityOptions carries the attributes applied by GetOrCreate.
type EntityOptions struct {
	// SuggestedKey becomes the object part of a new entity id.
	SuggestedKey  string
	ConfigEntryID string
	DeviceID      string
	OriginalName  string
}

// GenerateID returns a new random identifier.
func GenerateID() string {
	return uuid.New().String()
}

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single underscore.
func Slugify(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// GenerateEntityID builds "{domain}.{slug(key)}".
// An empty slug falls back to "unnamed".
func GenerateEntityID(domain, key string) string {
	slug := Slugify(key)
	if slug == "" {
		slug = "unnamed"
	}
	return fmt.Sprintf("%s.%s", domain, slug)
}

// ValidateEntity checks the fields required to persist an entity.
func ValidateEntity(e *Entity) error {
	domain, object, ok := strings.Cut(e.EntityID, ".")
	if !ok || domain == "" || object == "" {
		return fmt.Errorf("%w: entity id %q must be domain.object", ErrInvalidEntity, e.EntityID)
	}
	if e.UniqueID == "" {
		return fmt.Errorf("%w: unique id is required", ErrInvalidEntity)
	}
	if e.Platform == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalidEntity)
	}
	return nil
}

// ValidateDevice checks the fields required to persist a device.
func ValidateDevice(d *Device) error {
	if len(d.Identifiers) == 0 {
		return fmt.Errorf("%w: at least one identifier is required", ErrInvalidDevice)
	}
	for _, id := range d.Identifiers {
		if id.Domain == "" || id.ID == "" {
			return fmt.Errorf("%w: identifier %q is incomplete", ErrInvalidDevice, id)
		}
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	return nil
}
