package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrUnknownNode      = errors.New("unknown node")
	ErrNodeInUse        = errors.New("node has active allocations")
	ErrInvalidRequest   = errors.New("invalid resource request")
)

// CapacityError reports which resource rejected a reservation and by how much.
type CapacityError struct {
	NodeID    string
	Resource  Resource
	Available int64
	Requested int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("node %s: %s exceeded: available=%d requested=%d", e.NodeID, e.Resource, e.Available, e.Requested)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}
