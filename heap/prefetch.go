// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"context"

	"go.uber.org/multierr"

	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/region"
)

// EnqueuePrefetch hands the objects named by hds to the prefetcher,
// which walks the graph below them while marking runs. It returns how
// many were queued. Under the Drop policy what does not fit is dropped
// and mark.ErrPrefetchFull returned. Under Block the call waits for
// room while the prefetcher is active, outside the suspendible set, and
// gives up when ctx is done or the prefetcher stops.
func (h *Heap) EnqueuePrefetch(ctx context.Context, m *Mutator, hds []Handle) (int, error) {
	if h.pf == nil {
		return 0, ErrPrefetchDisabled
	}
	live := make([]Handle, 0, len(hds))
	for _, hd := range hds {
		if hd != NilHandle {
			live = append(live, hd)
		}
	}
	m.join()
	defer m.leave()
	queued := 0
	for queued < len(live) {
		// Addresses are resolved again after every wait: a pause may
		// have moved the objects.
		refs := make([]region.Addr, len(live)-queued)
		for i, hd := range live[queued:] {
			refs[i] = m.obj(hd)
		}
		space := h.pf.Space()
		n, err := h.pf.Enqueue(refs)
		queued += n
		if err == nil {
			return queued, nil
		}
		if h.pf.Policy() == mark.Drop {
			return queued, err
		}
		if !h.pf.IsActive() {
			h.pf.Discard(len(live) - queued)
			return queued, err
		}
		m.leave()
		select {
		case <-space:
			m.join()
		case <-ctx.Done():
			m.join()
			h.pf.Discard(len(live) - queued)
			return queued, multierr.Append(err, ctx.Err())
		}
	}
	return queued, nil
}
