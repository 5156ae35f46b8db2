package main

import (
	"context"
	"errors"
	"strings"

	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
	"github.com/nerrad567/savantaudio/internal/infrastructure/logging"
	"github.com/nerrad567/savantaudio/internal/savant"
)

// deviceConnector is the switch client used outside simulation. Builds that
// link a network client set it from an init function.
var deviceConnector savant.Connector

// errNoConnector is returned when neither a client nor the simulator is available.
var errNoConnector = errors.New("no switch client linked into this build; set savant.simulate")

// simulatedOutputs is the output count of every simulated switch.
const simulatedOutputs = 8

// newConnector returns the simulator when savant.simulate is set, seeded with
// one switch per configured switch, and deviceConnector otherwise.
func newConnector(cfg *config.Config, log *logging.Logger) (savant.Connector, error) {
	if !cfg.Savant.Simulate {
		if deviceConnector == nil {
			return nil, errNoConnector
		}
		return deviceConnector, nil
	}

	sim := savant.NewSimulator(savant.WithAutoCreate())
	for _, sw := range cfg.Savant.Switches {
		port := sw.Port
		if port == 0 {
			port = entry.DefaultPort
		}
		sim.AddSwitch(sw.Host, port, savant.SwitchSpec{
			Serial:  simulatedSerial(sw.Host),
			Outputs: simulatedOutputs,
		})
	}
	log.Warn("using simulated switches", "configured", len(cfg.Savant.Switches))
	return sim, nil
}

func simulatedSerial(host string) string {
	return "SIM-" + strings.NewReplacer(".", "", ":", "").Replace(host)
}

// importSwitches starts an import flow for every switch declared in YAML.
// Failures are logged; the remaining switches are still imported.
func importSwitches(ctx context.Context, switches []config.SwitchConfig, flows *configflow.Manager, log *logging.Logger) {
	for _, sw := range switches {
		data, opts := switchEntry(sw)
		res, err := flows.StartImport(ctx, data, opts)
		if err != nil {
			log.Error("importing switch failed", "host", sw.Host, "error", err)
			continue
		}
		switch res.Type {
		case configflow.ResultCreateEntry:
			log.Info("switch imported", "host", sw.Host, "entry_id", res.EntryID)
		case configflow.ResultAbort:
			log.Info("switch import skipped", "host", sw.Host, "reason", res.Reason)
		default:
			log.Warn("switch import incomplete", "host", sw.Host, "step", res.StepID, "errors", res.Errors)
		}
	}
}

// switchEntry converts a YAML switch into entry data and options. Options
// are nil when the switch declares neither sources nor zones.
func switchEntry(sw config.SwitchConfig) (entry.Data, *entry.Options) {
	data := entry.Data{Host: sw.Host, Port: sw.Port, Name: sw.Name}
	if len(sw.Sources) == 0 && len(sw.Zones) == 0 {
		return data, nil
	}

	opts := &entry.Options{
		Sources: make(map[int]entry.Source, len(sw.Sources)),
		Zones:   make(map[string]entry.Zone, len(sw.Zones)),
	}
	for id, src := range sw.Sources {
		opts.Sources[id] = entry.Source{Name: src.Name, Enabled: enabled(src.Enabled)}
	}
	for key, z := range sw.Zones {
		opts.Zones[key] = entry.Zone{
			Number:  z.Number,
			Name:    z.Name,
			Enabled: enabled(z.Enabled),
			Default: z.Default,
		}
	}
	return data, opts
}

func enabled(b *bool) bool { return b == nil || *b }
