// Package mediaplayer exposes the outputs of a Savant audio switch as media
// player entities.
//
// Each enabled zone of a config entry becomes one Zone. A Zone mirrors the
// output's volume, mute, stereo, passthru and delay values and the link
// table entry that decides its power state: ON while a source is linked,
// OFF otherwise. It stays current two ways. Update polls the device on the
// platform's scan interval, and a push handler registered on the switch
// resyncs only the fields named by each event.
//
// Platform implements entry.Platform. SetupEntry connects the switch,
// registers the switch and zone devices and the zone entities, removes
// entities that are no longer configured, and starts polling. The set of
// live zones and known switch serial numbers is held in a Known value
// that the caller owns and injects.
package mediaplayer
