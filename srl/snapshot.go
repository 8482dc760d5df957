package srl

import (
	"sort"
	"sync/atomic"
)

type counters struct {
	accepted              atomic.Uint64
	enqueued              atomic.Uint64
	dispatched            atomic.Uint64
	reaped                atomic.Uint64
	lost                  atomic.Uint64
	tornDown              atomic.Uint64
	destroyed             atomic.Uint64
	providersRegistered   atomic.Uint64
	providersUnregistered atomic.Uint64
	interfacesFailed      atomic.Uint64
}

// Stats are cumulative counters since the controller was created.
type Stats struct {
	Accepted              uint64 `json:"accepted"`
	Enqueued              uint64 `json:"enqueued"`
	Dispatched            uint64 `json:"dispatched"`
	Reaped                uint64 `json:"reaped"`
	Lost                  uint64 `json:"lost"`
	TornDown              uint64 `json:"torn_down"`
	Destroyed             uint64 `json:"destroyed"`
	ProvidersRegistered   uint64 `json:"providers_registered"`
	ProvidersUnregistered uint64 `json:"providers_unregistered"`
	InterfacesFailed      uint64 `json:"interfaces_failed"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		Accepted:              c.stats.accepted.Load(),
		Enqueued:              c.stats.enqueued.Load(),
		Dispatched:            c.stats.dispatched.Load(),
		Reaped:                c.stats.reaped.Load(),
		Lost:                  c.stats.lost.Load(),
		TornDown:              c.stats.tornDown.Load(),
		Destroyed:             c.stats.destroyed.Load(),
		ProvidersRegistered:   c.stats.providersRegistered.Load(),
		ProvidersUnregistered: c.stats.providersUnregistered.Load(),
		InterfacesFailed:      c.stats.interfacesFailed.Load(),
	}
}

type ConnectionInfo struct {
	ID         int    `json:"id"`
	Expiration int64  `json:"expiration"`
	Processing bool   `json:"processing"`
	Queued     bool   `json:"queued"`
	Connected  bool   `json:"connected"`
	Provider   string `json:"provider,omitempty"`
}

type ProviderInfo struct {
	Name         string `json:"name"`
	ConnectionID int    `json:"connection_id"`
}

// Snapshot is a point-in-time view of the pool and the directory.
type Snapshot struct {
	Connections []ConnectionInfo `json:"connections"`
	Providers   []ProviderInfo   `json:"providers"`
	QueueLength int              `json:"queue_length"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	connections := make([]ConnectionInfo, 0, len(c.connections))
	for id, d := range c.connections {
		connections = append(connections, ConnectionInfo{
			ID:         id,
			Expiration: d.Expiration(),
			Processing: d.IsBeingProcessed(),
			Provider:   c.providerConnections[d.connection],
		})
	}
	providers := make([]ProviderInfo, 0, len(c.providers))
	for name, p := range c.providers {
		providers = append(providers, ProviderInfo{Name: name, ConnectionID: c.connectionIDs[p.Connection()]})
	}
	descriptors := make(map[int]*ConnectionDescriptor, len(c.connections))
	for id, d := range c.connections {
		descriptors[id] = d
	}
	c.mu.Unlock()

	// Connection and queue state are read without holding the registry lock.
	for i := range connections {
		d := descriptors[connections[i].ID]
		connections[i].Queued = c.active.contains(d)
		connections[i].Connected = d.connection.IsConnected()
	}
	sort.Slice(connections, func(i, j int) bool { return connections[i].ID < connections[j].ID })
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	return Snapshot{
		Connections: connections,
		Providers:   providers,
		QueueLength: c.active.size(),
	}
}

// DescribeConnection reports the state of one connection; false if the id
// is unknown.
func (c *Controller) DescribeConnection(id int) (ConnectionInfo, bool) {
	d, ok := c.GetConnection(id)
	if !ok {
		return ConnectionInfo{}, false
	}
	name, _ := c.ProviderFor(d.connection)
	return ConnectionInfo{
		ID:         id,
		Expiration: d.Expiration(),
		Processing: d.IsBeingProcessed(),
		Queued:     c.active.contains(d),
		Connected:  d.connection.IsConnected(),
		Provider:   name,
	}, true
}
