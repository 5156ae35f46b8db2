// Package savant bridges live audio zones onto MQTT.
//
// Every zone entity gets a retained state topic and a retained discovery
// description under savantaudio/. Commands arriving on
// savantaudio/command/{key} are run as media player services and answered on
// savantaudio/ack/{key}; read_state and read_all requests are answered on
// savantaudio/response/{request_id}. A HealthReporter keeps
// savantaudio/health current.
//
// The bridge is an mediaplayer.EntityListener: register it with the
// platform so zones appearing, changing and disappearing are mirrored to the
// broker.
package savant
