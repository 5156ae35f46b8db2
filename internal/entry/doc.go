// Package entry holds the typed configuration records for a Savant Audio
// switch and manages the lifecycle of config entries.
//
// A ConfigEntry is created by a config flow. Its Data carries the
// connection settings (host, port, name) and its Options carry the source
// and zone configuration produced by the options wizard. Setup merges the
// two into a Config, options taking precedence, and forwards it to every
// registered Platform. Unload forwards the unload and only drops the
// runtime config when every platform succeeded.
//
// Entries are persisted in the config_entries table through a Store.
// Runtime state (loaded, setup_error, ...) is kept in memory only.
package entry
