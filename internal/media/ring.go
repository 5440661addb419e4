package media

import "context"

// Ring is the single-slot buffer between the grabber and the detector
// on live sources. Put overwrites any unread frame; Take blocks until a
// frame is present and always returns the freshest one. Memory stays
// bounded at one frame regardless of rate skew.
type Ring struct {
	slot chan *Frame
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{slot: make(chan *Frame, 1)}
}

// Put stores the frame, dropping any unread predecessor.
func (r *Ring) Put(frame *Frame) {
	for {
		select {
		case r.slot <- frame:
			return
		default:
		}
		select {
		case <-r.slot:
		default:
		}
	}
}

// Take blocks until a frame is available or the context is done.
func (r *Ring) Take(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-r.slot:
		return frame, nil
	}
}
