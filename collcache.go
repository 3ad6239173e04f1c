package couchkv

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

const defaultCollection = "_default._default"

// collectionPath normalizes a "scope.collection" name. Empty parts select
// the default scope or collection.
func collectionPath(scope, collection string) string {
	if scope == "" {
		scope = "_default"
	}
	if collection == "" {
		collection = "_default"
	}
	return scope + "." + collection
}

func splitCollectionPath(name string) (scope, collection string) {
	scope, collection, ok := strings.Cut(name, ".")
	if !ok {
		return "_default", name
	}
	return scope, collection
}

type collectionWaiter func(cid uint32, err error)

// collectionCache maps collection names to ids and back. Lookups for the
// same name share one GET_COLLECTION_ID request.
type collectionCache struct {
	inst   *Instance
	logger *zap.Logger

	byName  map[string]uint32
	byID    map[uint32]string
	waiting map[string][]collectionWaiter
}

func newCollectionCache(inst *Instance) *collectionCache {
	return &collectionCache{
		inst:    inst,
		logger:  inst.logger.Named("collections"),
		byName:  map[string]uint32{defaultCollection: 0},
		byID:    map[uint32]string{0: defaultCollection},
		waiting: make(map[string][]collectionWaiter),
	}
}

func (c *collectionCache) lookup(name string) (uint32, bool) {
	cid, ok := c.byName[name]
	return cid, ok
}

func (c *collectionCache) nameOf(cid uint32) (string, bool) {
	name, ok := c.byID[cid]
	return name, ok
}

func (c *collectionCache) put(name string, cid uint32) {
	if old, ok := c.byName[name]; ok {
		delete(c.byID, old)
	}
	c.byName[name] = cid
	c.byID[cid] = name
}

// invalidate forgets cid. The default collection is never forgotten.
func (c *collectionCache) invalidate(cid uint32) {
	if cid == 0 {
		return
	}
	if name, ok := c.byID[cid]; ok {
		delete(c.byName, name)
		delete(c.byID, cid)
	}
}

// resolve asks the cluster for the id of name. cb runs on the loop, never
// from within resolve.
func (c *collectionCache) resolve(name string, deadline time.Time, cb collectionWaiter) {
	if cid, ok := c.byName[name]; ok {
		c.inst.sched.Post(func() { cb(cid, nil) })
		return
	}
	if waiters, ok := c.waiting[name]; ok {
		c.waiting[name] = append(waiters, cb)
		return
	}
	c.waiting[name] = []collectionWaiter{cb}

	if err := c.send(name, deadline); err != nil {
		c.inst.sched.Post(func() { c.finish(name, 0, err) })
	}
}

func (c *collectionCache) send(name string, deadline time.Time) error {
	inst := c.inst
	pl := inst.queue.Pipeline(0)
	if pl == nil {
		return ErrNoConfiguration
	}

	req := &mcbp.Request{
		Opcode: mcbp.CmdCollectionsGetID,
		Value:  []byte(name),
	}
	pkt, err := inst.queue.PacketFor(pl, req)
	if err != nil {
		return err
	}
	pkt.Deadline = deadline
	pkt.Callback = func(pkt *mcreq.Packet, resp *mcbp.Response, err error) {
		var cid uint32
		if err == nil && resp != nil {
			_, cid, err = mcbp.DecodeCollectionID(resp.Extras)
			if err != nil {
				err = errors.Wrapf(ErrProtocol, "collection id of %s: %v", name, err)
			}
		}
		c.finish(name, cid, err)
	}

	c.logger.Debug("resolving collection", zap.String("collection", name))
	inst.queue.SchedEnter()
	inst.queue.SchedAdd(pl, pkt)
	inst.queue.SchedLeave(true)
	return nil
}

func (c *collectionCache) finish(name string, cid uint32, err error) {
	if err == nil {
		c.put(name, cid)
		c.logger.Debug("collection resolved", zap.String("collection", name), zap.Uint32("cid", cid))
	} else {
		c.logger.Info("collection lookup failed", zap.String("collection", name), zap.Error(err))
	}
	waiters := c.waiting[name]
	delete(c.waiting, name)
	for _, cb := range waiters {
		cb(cid, err)
	}
}

// failAll completes every outstanding lookup with err.
func (c *collectionCache) failAll(err error) {
	for name := range c.waiting {
		c.finish(name, 0, err)
	}
}
