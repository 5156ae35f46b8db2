// Package config loads the savantaudio YAML configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file,
// then SAVANTAUDIO_* environment variables. Validate reports every problem
// in one error. Switches listed under savant.switches are imported as config
// entries when the daemon starts.
//
// Keep the MQTT password, InfluxDB token and JWT secret in the environment.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	interval := cfg.GetScanInterval()
package config
