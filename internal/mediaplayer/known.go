package mediaplayer

import (
	"sort"
	"sync"
)

// Known tracks the live zones and the switch serial numbers that have been
// set up in this process.
//
// It is process state only and is never persisted. Platform drops the
// zones recorded for a serial before setting that switch up again.
//
// All public methods are thread-safe.
type Known struct {
	mu    sync.RWMutex
	zones map[string]*Zone
	hosts map[string]struct{}
}

// NewKnown creates an empty Known.
func NewKnown() *Known {
	return &Known{
		zones: make(map[string]*Zone),
		hosts: make(map[string]struct{}),
	}
}

// Add records zones by entity id.
func (k *Known) Add(zones ...*Zone) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, z := range zones {
		k.zones[z.EntityID()] = z
	}
}

// Remove forgets the zone with entityID.
func (k *Known) Remove(entityID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.zones, entityID)
}

// Zone returns the zone with entityID.
func (k *Known) Zone(entityID string) (*Zone, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	z, ok := k.zones[entityID]
	return z, ok
}

// Zones returns every known zone ordered by entity id.
func (k *Known) Zones() []*Zone {
	return k.filter(func(*Zone) bool { return true })
}

// ZonesForSerial returns the zones of the switch with serial number sn.
func (k *Known) ZonesForSerial(sn string) []*Zone {
	return k.filter(func(z *Zone) bool { return z.Serial() == sn })
}

func (k *Known) filter(keep func(*Zone) bool) []*Zone {
	k.mu.RLock()
	var out []*Zone
	for _, z := range k.zones {
		if keep(z) {
			out = append(out, z)
		}
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// AddHost records a switch serial number.
func (k *Known) AddHost(sn string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hosts[sn] = struct{}{}
}

// RemoveHost forgets a switch serial number.
func (k *Known) RemoveHost(sn string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.hosts, sn)
}

// HasHost reports whether a switch with serial number sn is set up.
func (k *Known) HasHost(sn string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.hosts[sn]
	return ok
}
