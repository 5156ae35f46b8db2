package entry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State is the runtime lifecycle state of a config entry.
type State string

const (
	StateNotLoaded        State = "not_loaded"
	StateSetupInProgress  State = "setup_in_progress"
	StateLoaded           State = "loaded"
	StateSetupError       State = "setup_error"
	StateUnloadInProgress State = "unload_in_progress"
	StateFailedUnload     State = "failed_unload"
)

// Origin records which flow created an entry.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginDiscovery Origin = "discovery"
	OriginImport    Origin = "import"
)

// Data is the connection part of an entry.
type Data struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Name string `json:"name,omitempty" yaml:"name"`
}

// WithDefaults fills Port and Name when unset.
func (d Data) WithDefaults() Data {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Name == "" {
		d.Name = DefaultName
	}
	return d
}

// Source is one switch input.
type Source struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// UnmarshalJSON treats a missing enabled flag as true.
func (s *Source) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Enabled = raw.Enabled == nil || *raw.Enabled
	return nil
}

// Zone is one switch output and the entity it becomes.
type Zone struct {
	Number  int    `json:"number"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Default *int   `json:"default"`
}

// UnmarshalJSON treats a missing enabled flag as true.
func (z *Zone) UnmarshalJSON(b []byte) error {
	var raw struct {
		Number  int    `json:"number"`
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
		Default *int   `json:"default"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	z.Number = raw.Number
	z.Name = raw.Name
	z.Enabled = raw.Enabled == nil || *raw.Enabled
	z.Default = raw.Default
	return nil
}

// Options is the persisted source and zone configuration. Zones are keyed
// by entity key, the object part of the zone's entity id. Host, Port and
// Name override Data when set.
type Options struct {
	Host    string          `json:"host,omitempty"`
	Port    int             `json:"port,omitempty"`
	Name    string          `json:"name,omitempty"`
	Sources map[int]Source  `json:"sources,omitempty"`
	Zones   map[string]Zone `json:"zones,omitempty"`
}

// Empty reports whether no option is set.
func (o Options) Empty() bool {
	return o.Host == "" && o.Port == 0 && o.Name == "" && len(o.Sources) == 0 && len(o.Zones) == 0
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	cpy := o
	if o.Sources != nil {
		cpy.Sources = make(map[int]Source, len(o.Sources))
		for id, s := range o.Sources {
			cpy.Sources[id] = s
		}
	}
	if o.Zones != nil {
		cpy.Zones = make(map[string]Zone, len(o.Zones))
		for key, z := range o.Zones {
			z.Default = cloneInt(z.Default)
			cpy.Zones[key] = z
		}
	}
	return cpy
}

// Config is an entry's Data merged with its Options.
type Config struct {
	Data
	Sources map[int]Source
	Zones   map[string]Zone
}

// Merge combines data and options, options taking precedence, and applies
// the Data defaults.
func Merge(data Data, opts Options) Config {
	if opts.Host != "" {
		data.Host = opts.Host
	}
	if opts.Port != 0 {
		data.Port = opts.Port
	}
	if opts.Name != "" {
		data.Name = opts.Name
	}
	o := opts.Clone()
	return Config{
		Data:    data.WithDefaults(),
		Sources: o.Sources,
		Zones:   o.Zones,
	}
}

// EnabledSources returns the id to name mapping of enabled sources.
func (c Config) EnabledSources() map[int]string {
	out := make(map[int]string)
	for id, s := range c.Sources {
		if s.Enabled {
			out[id] = s.Name
		}
	}
	return out
}

// KeyedZone pairs a zone with its entity key.
type KeyedZone struct {
	Key string
	Zone
}

// EnabledZones returns the enabled zones ordered by number.
func (c Config) EnabledZones() []KeyedZone {
	var out []KeyedZone
	for key, z := range c.Zones {
		if z.Enabled {
			out = append(out, KeyedZone{Key: key, Zone: z})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ConfigEntry is one configured switch.
type ConfigEntry struct {
	ID       string  `json:"entry_id"`
	Domain   string  `json:"domain"`
	Title    string  `json:"title"`
	UniqueID string  `json:"unique_id,omitempty"`
	Source   Origin  `json:"source"`
	Data     Data    `json:"data"`
	Options  Options `json:"options"`

	// State and Reason are runtime only.
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the entry.
func (e *ConfigEntry) DeepCopy() *ConfigEntry {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Options = e.Options.Clone()
	return &cpy
}

// Config returns the merged configuration of the entry.
func (e *ConfigEntry) Config() Config {
	return Merge(e.Data, e.Options)
}

func (e *ConfigEntry) String() string {
	return fmt.Sprintf("%s (%s)", e.Title, e.ID)
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
