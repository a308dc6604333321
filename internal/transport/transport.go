package transport

import "github.com/devrev/datagrid/internal/model"

// Handler consumes inbound packets.
type Handler func(pkt *model.Packet)

// Transport delivers packets to cluster members. Send is fire-and-forget: a
// returned error means the packet was not handed to the peer and the caller
// should treat it as a transient failure.
type Transport interface {
	Send(pkt *model.Packet, target model.Address) error
}
