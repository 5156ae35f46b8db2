package configflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/registry"
)

// EntityRegistry is the part of the entity registry the wizard reconciles.
type EntityRegistry interface {
	ListForConfigEntry(ctx context.Context, configEntryID string) ([]registry.Entity, error)
	Remove(ctx context.Context, entityID string) error
}

const stepDone = "done"

type draftZone struct {
	entry.Zone

	// key is the entity key the zone was stored under, empty for zones
	// that have never been configured.
	key string
}

// Wizard is the options flow state machine. It holds a draft of every
// source and zone of the switch and advances one step per Submit:
// sources, source_names, zones, zone_names, zone_defaults.
//
// A rejected Submit leaves the draft and step unchanged. Nothing is written
// until Finish, which removes the registry entities of disabled zones and
// returns the options to store.
//
// A Wizard is not safe for concurrent use; Manager serialises access per
// flow.
type Wizard struct {
	entryID   string
	entryName string
	step      string
	sources   map[int]entry.Source
	zones     map[int]*draftZone
}

// NewWizard seeds a draft from the entry's merged data and options. Sources
// and zones that were never configured are added disabled with placeholder
// names.
func NewWizard(e *entry.ConfigEntry) *Wizard {
	cfg := e.Config()
	// New zone keys follow the name the switch was added with, not a
	// later options override.
	name := e.Data.Name
	if name == "" {
		name = entry.DefaultName
	}
	w := &Wizard{
		entryID:   e.ID,
		entryName: name,
		step:      StepSources,
		sources:   make(map[int]entry.Source, entry.SourceMax),
		zones:     make(map[int]*draftZone, entry.ZoneMax),
	}

	for id, s := range cfg.Sources {
		w.sources[id] = s
	}
	for id := entry.SourceMin; id <= entry.SourceMax; id++ {
		if _, ok := w.sources[id]; !ok {
			w.sources[id] = entry.Source{Name: fmt.Sprintf("Input %d", id)}
		}
	}

	for key, z := range cfg.Zones {
		w.zones[z.Number] = &draftZone{Zone: z, key: key}
	}
	for n := entry.ZoneMin; n <= entry.ZoneMax; n++ {
		if _, ok := w.zones[n]; !ok {
			w.zones[n] = &draftZone{Zone: entry.Zone{Number: n, Name: fmt.Sprintf("Zone %d", n)}}
		}
	}
	return w
}

// Step returns the current step id.
func (w *Wizard) Step() string { return w.step }

// Done reports whether every step has been submitted.
func (w *Wizard) Done() bool { return w.step == stepDone }

// Form returns the fields of the current step.
func (w *Wizard) Form() []Field {
	switch w.step {
	case StepSources:
		return w.sourcesForm()
	case StepSourceNames:
		return w.sourceNamesForm()
	case StepZones:
		return w.zonesForm()
	case StepZoneNames:
		return w.zoneNamesForm()
	case StepZoneDefaults:
		return w.zoneDefaultsForm()
	default:
		return nil
	}
}

// Submit applies input to the current step. On success the wizard moves
// to the next step and errs is nil; otherwise the draft is unchanged and
// errs maps field names to error codes.
func (w *Wizard) Submit(input Input) (errs map[string]string) {
	switch w.step {
	case StepSources:
		errs = w.submitSources(input)
	case StepSourceNames:
		errs = w.submitSourceNames(input)
	case StepZones:
		errs = w.submitZones(input)
	case StepZoneNames:
		errs = w.submitZoneNames(input)
	case StepZoneDefaults:
		errs = w.submitZoneDefaults(input)
	default:
		return map[string]string{"base": ErrorInvalidValue}
	}
	if len(errs) > 0 {
		return errs
	}
	w.step = nextStep(w.step)
	return nil
}

func nextStep(step string) string {
	switch step {
	case StepSources:
		return StepSourceNames
	case StepSourceNames:
		return StepZones
	case StepZones:
		return StepZoneNames
	case StepZoneNames:
		return StepZoneDefaults
	default:
		return stepDone
	}
}

func (w *Wizard) sourcesForm() []Field {
	var enabled []string
	options := make([]Option, 0, entry.SourceMax)
	for id := entry.SourceMin; id <= entry.SourceMax; id++ {
		s := w.sources[id]
		value := strconv.Itoa(id)
		if s.Enabled {
			enabled = append(enabled, value)
		}
		options = append(options, Option{Value: value, Label: fmt.Sprintf("Source %d (%s)", id, s.Name)})
	}
	return []Field{{Name: "enabled_sources", Type: FieldMultiSelect, Default: enabled, Options: options}}
}

func (w *Wizard) submitSources(input Input) map[string]string {
	ids, _, err := input.idList("enabled_sources")
	if err != nil {
		return map[string]string{"enabled_sources": ErrorInvalidValue}
	}
	selected := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < entry.SourceMin || id > entry.SourceMax {
			return map[string]string{"enabled_sources": ErrorInvalidValue}
		}
		selected[id] = true
	}
	for id, s := range w.sources {
		s.Enabled = selected[id]
		w.sources[id] = s
	}
	return nil
}

func (w *Wizard) sourceNamesForm() []Field {
	var fields []Field
	for id := entry.SourceMin; id <= entry.SourceMax; id++ {
		if s := w.sources[id]; s.Enabled {
			fields = append(fields, Field{Name: inputField(id), Type: FieldString, Required: true, Default: s.Name})
		}
	}
	return fields
}

func (w *Wizard) submitSourceNames(input Input) map[string]string {
	names, errs := collectNames(input, w.enabledSourceIDs(), inputField)
	if len(errs) > 0 {
		return errs
	}
	for id, name := range names {
		s := w.sources[id]
		s.Name = name
		w.sources[id] = s
	}
	return nil
}

func (w *Wizard) zonesForm() []Field {
	var enabled []string
	options := make([]Option, 0, entry.ZoneMax)
	for n := entry.ZoneMin; n <= entry.ZoneMax; n++ {
		z := w.zones[n]
		value := strconv.Itoa(n)
		if z.Enabled {
			enabled = append(enabled, value)
		}
		options = append(options, Option{Value: value, Label: fmt.Sprintf("Zone %d (%s)", n, z.Name)})
	}
	return []Field{{Name: "enabled_zones", Type: FieldMultiSelect, Default: enabled, Options: options}}
}

func (w *Wizard) submitZones(input Input) map[string]string {
	ids, _, err := input.idList("enabled_zones")
	if err != nil {
		return map[string]string{"enabled_zones": ErrorInvalidValue}
	}
	selected := make(map[int]bool, len(ids))
	for _, n := range ids {
		if n < entry.ZoneMin || n > entry.ZoneMax {
			return map[string]string{"enabled_zones": ErrorInvalidValue}
		}
		selected[n] = true
	}
	for n, z := range w.zones {
		z.Enabled = selected[n]
	}
	return nil
}

func (w *Wizard) zoneNamesForm() []Field {
	var fields []Field
	for n := entry.ZoneMin; n <= entry.ZoneMax; n++ {
		if z := w.zones[n]; z.Enabled {
			fields = append(fields, Field{Name: zoneField(n), Type: FieldString, Required: true, Default: z.Name})
		}
	}
	return fields
}

func (w *Wizard) submitZoneNames(input Input) map[string]string {
	names, errs := collectNames(input, w.enabledZoneNumbers(), zoneField)
	if len(errs) > 0 {
		return errs
	}
	for n, name := range names {
		w.zones[n].Name = name
	}
	return nil
}

func (w *Wizard) zoneDefaultsForm() []Field {
	choices := []Option{{Value: entry.NoneSource, Label: entry.NoneSource}}
	for _, id := range w.enabledSourceIDs() {
		name := w.sources[id].Name
		choices = append(choices, Option{Value: name, Label: name})
	}

	var fields []Field
	for _, n := range w.enabledZoneNumbers() {
		current := entry.NoneSource
		if d := w.zones[n].Default; d != nil {
			if s, ok := w.sources[*d]; ok && s.Enabled {
				current = s.Name
			}
		}
		fields = append(fields, Field{Name: defaultField(n), Type: FieldSelect, Required: true, Default: current, Options: choices})
	}
	return fields
}

func (w *Wizard) submitZoneDefaults(input Input) map[string]string {
	errs := make(map[string]string)
	defaults := make(map[int]*int)
	for _, n := range w.enabledZoneNumbers() {
		field := defaultField(n)
		name, ok, err := input.stringValue(field)
		if err != nil {
			errs[field] = ErrorInvalidValue
			continue
		}
		if !ok || name == entry.NoneSource {
			defaults[n] = nil
			continue
		}
		id, found := w.resolveSource(name)
		if !found {
			errs[field] = ErrorUnknownSource
			continue
		}
		defaults[n] = &id
	}
	if len(errs) > 0 {
		return errs
	}
	for n, d := range defaults {
		w.zones[n].Default = d
	}
	return nil
}

// resolveSource maps a display name to a source id, preferring the lowest
// enabled id when names repeat.
func (w *Wizard) resolveSource(name string) (int, bool) {
	for _, id := range w.enabledSourceIDs() {
		if w.sources[id].Name == name {
			return id, true
		}
	}
	return 0, false
}

// Finish reconciles the draft with the entity registry and returns the
// options to commit along with the removed entity ids.
//
// A registered entity of the entry is removed when it maps to no remembered
// zone key, or the zone it maps to is now disabled; such a zone is also
// dropped from the draft. Zones without a remembered key are stored under
// "{entry name}_zone_{n}".
func (w *Wizard) Finish(ctx context.Context, entities EntityRegistry) (entry.Options, []string, error) {
	if !w.Done() {
		return entry.Options{}, nil, fmt.Errorf("configflow: wizard at step %s", w.step)
	}

	byEntityID := make(map[string]int)
	for n, z := range w.zones {
		if z.key != "" {
			byEntityID[registry.GenerateEntityID(mediaplayer.EntityDomain, z.key)] = n
		}
	}

	registered, err := entities.ListForConfigEntry(ctx, w.entryID)
	if err != nil {
		return entry.Options{}, nil, fmt.Errorf("listing entities: %w", err)
	}

	var removed []string
	for _, ent := range registered {
		n, mapped := byEntityID[ent.EntityID]
		if !mapped {
			n, mapped = w.zoneForUniqueID(ent.UniqueID)
		}
		if mapped && w.zones[n].Enabled {
			continue
		}
		if err := entities.Remove(ctx, ent.EntityID); err != nil {
			return entry.Options{}, removed, fmt.Errorf("removing %s: %w", ent.EntityID, err)
		}
		removed = append(removed, ent.EntityID)
		if mapped {
			delete(w.zones, n)
		}
	}

	base := strings.ReplaceAll(strings.ToLower(w.entryName), " ", "_")
	opts := entry.Options{
		Sources: make(map[int]entry.Source, len(w.sources)),
		Zones:   make(map[string]entry.Zone, len(w.zones)),
	}
	for id, s := range w.sources {
		opts.Sources[id] = s
	}
	for n, z := range w.zones {
		key := z.key
		if key == "" {
			key = fmt.Sprintf("%s_zone_%d", base, n)
		}
		opts.Zones[key] = z.Zone
	}
	return opts, removed, nil
}

// zoneForUniqueID maps an entity unique id "{sn}_{n}" to a remembered zone.
// Registry ids may carry a collision suffix, so the entity id alone is not
// always enough.
func (w *Wizard) zoneForUniqueID(uniqueID string) (int, bool) {
	i := strings.LastIndexByte(uniqueID, '_')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(uniqueID[i+1:])
	if err != nil {
		return 0, false
	}
	z, ok := w.zones[n]
	if !ok || z.key == "" {
		return 0, false
	}
	return n, true
}

func (w *Wizard) enabledSourceIDs() []int {
	var ids []int
	for id := entry.SourceMin; id <= entry.SourceMax; id++ {
		if w.sources[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *Wizard) enabledZoneNumbers() []int {
	var ns []int
	for n := entry.ZoneMin; n <= entry.ZoneMax; n++ {
		if z, ok := w.zones[n]; ok && z.Enabled {
			ns = append(ns, n)
		}
	}
	return ns
}

// collectNames reads one name per id. A missing field keeps the current
// name; an empty one is an error.
func collectNames(input Input, ids []int, field func(int) string) (map[int]string, map[string]string) {
	names := make(map[int]string, len(ids))
	errs := make(map[string]string)
	for _, id := range ids {
		name, ok, err := input.stringValue(field(id))
		switch {
		case err != nil:
			errs[field(id)] = ErrorInvalidValue
		case !ok:
		case name == "":
			errs[field(id)] = ErrorNameRequired
		default:
			names[id] = name
		}
	}
	return names, errs
}

func inputField(id int) string  { return fmt.Sprintf("input_%d", id) }
func zoneField(n int) string    { return fmt.Sprintf("zone_%d", n) }
func defaultField(n int) string { return fmt.Sprintf("default_zone_%d", n) }
