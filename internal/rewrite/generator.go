package rewrite

import (
	"adguardsync/internal/discovery"
	"adguardsync/pkg/logging"
)

// Generate maps discovered endpoints to the desired rewrite state.
//
// Pure and deterministic: no I/O, output depends only on the input slice.
// Endpoints without a resolved address are dropped; the resource is still
// provisioning upstream and will reappear with an address later. When two
// endpoints produce the same hostname the later one in input order wins.
func Generate(endpoints []discovery.Endpoint) DesiredState {
	desired := make(DesiredState, len(endpoints))

	for _, endpoint := range endpoints {
		if endpoint.Hostname == "" {
			continue
		}
		if endpoint.Address == "" {
			logging.Debug("Generator", "Dropping %s endpoint %s: no address yet", endpoint.Kind, endpoint.Hostname)
			continue
		}
		if previous, ok := desired[endpoint.Hostname]; ok && previous != endpoint.Address {
			logging.Warn("Generator", "Hostname collision for %s: %s replaces %s", endpoint.Hostname, endpoint.Address, previous)
		}
		desired[endpoint.Hostname] = endpoint.Address
	}

	return desired
}
