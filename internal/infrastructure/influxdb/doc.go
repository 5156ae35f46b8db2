// Package influxdb records zone state history in InfluxDB v2.
//
// Writes go through the client library's non-blocking batched write API;
// batch failures are reported through SetOnError. Recorder adapts the client
// to mediaplayer.EntityListener so every published zone state becomes a
// zone_state point:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	platform.AddListener(influxdb.NewRecorder(client))
package influxdb
