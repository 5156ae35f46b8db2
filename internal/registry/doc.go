// Package registry provides the entity and device registries for the
// Savant Audio integration.
//
// The entity registry records every media player entity that has been
// created for a config entry, keyed by entity id and by the pair
// (platform, unique id). The device registry records the physical switch
// and the per-zone logical devices that hang off it via ViaDeviceID.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Registries                            │
//	│                                                              │
//	│  ┌────────────────────┐          ┌────────────────────┐      │
//	│  │   EntityRegistry   │          │   DeviceRegistry   │      │
//	│  │   (entities.go)    │          │   (devices.go)     │      │
//	│  │ • get-or-create    │          │ • get-or-create    │      │
//	│  │ • entity id slugs  │          │ • identifier index │      │
//	│  │ • RWMutex cache    │          │ • RWMutex cache    │      │
//	│  └─────────┬──────────┘          └─────────┬──────────┘      │
//	│            ▼                               ▼                 │
//	│  ┌──────────────────────────────────────────────────────┐    │
//	│  │         SQLite repositories (repository.go)           │    │
//	│  │   entity_registry, device_registry, device_identifiers│    │
//	│  └──────────────────────────────────────────────────────┘    │
//	└──────────────────────────────────────────────────────────────┘
//
// # Usage
//
//	entities := registry.NewEntityRegistry(registry.NewSQLiteEntityRepository(db.DB))
//	devices := registry.NewDeviceRegistry(registry.NewSQLiteDeviceRepository(db.DB))
//	if err := entities.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	ent, err := entities.GetOrCreate(ctx, "media_player", "savantaudio", "SN123_1",
//	    registry.EntityOptions{SuggestedKey: "living_room", ConfigEntryID: entryID})
//
// # Thread Safety
//
// Both registries are safe for concurrent use. Cached values are deep
// copies; callers may modify what they receive.
package registry
