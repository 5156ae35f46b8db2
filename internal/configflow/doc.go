// Package configflow implements the interactive flows that create and
// configure Savant config entries.
//
// A config flow starts from the user, from network discovery or from a
// YAML import. It validates that the switch answers, deduplicates on the
// switch serial number and creates the entry. An options flow walks a
// Wizard through enabling and naming sources and zones and choosing
// default sources, then commits the result as the entry options.
//
// Flows live in memory only. Abandoned flows expire after the manager's TTL.
package configflow
