// Package savant defines the contract between the integration and a Savant
// multi-zone audio switch client.
//
// A Connector opens a Switch. A Switch exposes its attributes (serial
// number, firmware and hardware revision), one Output per physical zone,
// and the link table that maps each output to an input source. Clients
// push state changes to subscribers as typed Events.
//
// The wire protocol lives in the device client library and is not part of
// this repository. Simulator is an in-memory implementation used by tests
// and by the daemon when savant.simulate is set.
package savant
