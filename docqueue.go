package couchkv

import (
	"github.com/pior/couchkv/docreq"
	"github.com/pior/couchkv/mcbp"
)

// NewDocQueue returns a document queue fetching through inst. The queue
// holds the instance's pending counter until its last reference is dropped,
// so Wait keeps running while rows are still being resolved.
func (inst *Instance) NewDocQueue(opts docreq.Options) *docreq.Queue {
	opts.Scheduler = inst.sched
	opts.Fetcher = docreq.FetcherFunc(inst.fetchDoc)
	if opts.Logger == nil {
		opts.Logger = inst.logger
	}
	release := opts.OnRelease
	opts.OnRelease = func(q *docreq.Queue) {
		if release != nil {
			release(q)
		}
		inst.pending.done(pendingCounter)
	}

	inst.pending.add(pendingCounter)
	return docreq.NewQueue(opts)
}

func (inst *Instance) fetchDoc(req *docreq.Request, done docreq.DoneFunc) error {
	cmd := &Command{
		Opcode:     mcbp.CmdGet,
		Key:        req.Key,
		Collection: req.Collection,
		Cookie:     req.Cookie,
	}
	return inst.Dispatch(cmd, func(res *Result) {
		done(res.Value, res.Flags, res.CAS, res.Err)
	})
}
