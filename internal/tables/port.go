package tables

import (
	"context"
)

// PortTable holds the listening ports and the local ports of active opens.
type PortTable struct {
	*actor
	open   map[uint16]bool
	active map[uint16]int
}

// NewPortTable creates a port table listening on ports.
func NewPortTable(ports ...uint16) *PortTable {
	t := &PortTable{
		actor:  newActor(0),
		open:   make(map[uint16]bool, len(ports)),
		active: make(map[uint16]int),
	}
	for _, p := range ports {
		t.open[p] = true
	}
	return t
}

// IsOpen reports whether port is listening or carries an active open.
func (t *PortTable) IsOpen(ctx context.Context, port uint16) (bool, error) {
	return exec(ctx, t.actor, func() (bool, error) {
		return t.open[port] || t.active[port] > 0, nil
	})
}

// Listen opens port.
func (t *PortTable) Listen(ctx context.Context, port uint16) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		t.open[port] = true
		return struct{}{}, nil
	})
	return err
}

// Unlisten closes port for new connections. Active opens on it stay reachable.
func (t *PortTable) Unlisten(ctx context.Context, port uint16) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		delete(t.open, port)
		return struct{}{}, nil
	})
	return err
}

// Activate marks port as used by one more active open.
func (t *PortTable) Activate(ctx context.Context, port uint16) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		t.active[port]++
		return struct{}{}, nil
	})
	return err
}

// Deactivate drops one active open from port.
func (t *PortTable) Deactivate(ctx context.Context, port uint16) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		if t.active[port] <= 1 {
			delete(t.active, port)
		} else {
			t.active[port]--
		}
		return struct{}{}, nil
	})
	return err
}
