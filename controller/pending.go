package controller

import (
	"context"

	"github.com/viewkit/viewproc/protocol"
)

type outcome struct {
	resp *protocol.Response
	err  error
}

// Pending correlates a sent request to its eventual response. Dropping a
// Pending without waiting is fine; the resolution is simply discarded.
type Pending struct {
	id  uint64
	gen uint64
	ch  chan outcome
}

// ID returns the request id this handle tracks.
func (p *Pending) ID() uint64 { return p.id }

// Wait blocks until the response arrives, the generation advances
// (protocol.ErrDisconnected), or the context ends. An error the view backend
// reported inline is returned as a *protocol.RequestError alongside the
// response that carried it.
func (p *Pending) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Err != "" {
			return out.resp, &protocol.RequestError{Op: out.resp.Op, Reason: out.resp.Err}
		}
		return out.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve is called at most once per Pending; the buffered channel makes it
// non-blocking.
func (p *Pending) resolve(resp *protocol.Response, err error) {
	select {
	case p.ch <- outcome{resp: resp, err: err}:
	default:
	}
}
