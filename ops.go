package couchkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

// MutationToken identifies a mutation within its vbucket history.
type MutationToken struct {
	VBucket uint16
	UUID    uint64
	Seqno   uint64
}

// IsZero reports whether the server sent no token.
func (t MutationToken) IsZero() bool {
	return t.UUID == 0 && t.Seqno == 0
}

// Result is passed to operation callbacks.
type Result struct {
	Key      string
	Value    []byte
	Flags    uint32
	CAS      uint64
	Datatype mcbp.Datatype
	Status   mcbp.Status
	Token    MutationToken
	Err      error
	Cookie   any
}

// Callback receives the outcome of an operation, exactly once.
type Callback func(res *Result)

// Command is a raw key-value request.
type Command struct {
	Opcode mcbp.Opcode
	Key    []byte

	// Collection is "scope.collection", or a bare collection name in the
	// default scope. Empty selects the default collection.
	Collection string

	Extras   []byte
	Value    []byte
	Datatype mcbp.Datatype
	CAS      uint64

	// Timeout overrides Settings.OperationTimeout.
	Timeout time.Duration

	// Durability requests a synchronous durable write.
	Durability        mcbp.DurabilityLevel
	DurabilityTimeout time.Duration

	Cookie any
}

// Dispatch schedules cmd. cb runs inside Wait, or from Close.
func (inst *Instance) Dispatch(cmd *Command, cb Callback) error {
	if inst.closed {
		return ErrShutdown
	}
	if len(cmd.Key) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty key")
	}

	name := defaultCollection
	if cmd.Collection != "" {
		name = collectionPath(splitCollectionPath(cmd.Collection))
	}
	if name == defaultCollection {
		return inst.dispatch(cmd, 0, cb)
	}
	if !inst.settings.UseCollections {
		return errors.Wrapf(ErrUnsupportedOperation, "collection %s with collections disabled", name)
	}
	if cid, ok := inst.collections.lookup(name); ok {
		return inst.dispatch(cmd, cid, cb)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = inst.settings.OperationTimeout
	}
	inst.pending.add(pendingCounter)
	inst.collections.resolve(name, inst.sched.Now().Add(timeout), func(cid uint32, err error) {
		defer inst.pending.done(pendingCounter)
		if err == nil {
			err = inst.dispatch(cmd, cid, cb)
		}
		if err != nil && cb != nil {
			cb(&Result{Key: string(cmd.Key), Err: err, Cookie: cmd.Cookie})
		}
	})
	return nil
}

func (inst *Instance) dispatch(cmd *Command, cid uint32, cb Callback) error {
	req := &mcbp.Request{
		Opcode:   cmd.Opcode,
		Datatype: cmd.Datatype,
		CAS:      cmd.CAS,
		Extras:   cmd.Extras,
		Value:    cmd.Value,
	}

	srv := inst.serverForKey(cmd.Key)
	if cmd.Durability != mcbp.DurabilityNone {
		if !inst.settings.EnableDurableWrite {
			return errors.Wrap(ErrUnsupportedOperation, "durable writes are disabled")
		}
		if srv != nil && srv.sess != nil && !srv.SupportsSyncReplication() {
			return errors.Wrap(ErrUnsupportedOperation, "server does not support synchronous replication")
		}
		req.FramingExtras = mcbp.AppendDurabilityFrame(nil, cmd.Durability, cmd.DurabilityTimeout)
	}
	if inst.settings.UseCompression && len(req.Value) > 0 && req.Datatype&mcbp.DatatypeSnappy == 0 &&
		srv != nil && srv.SupportsCompression() {
		if v, ok := mcbp.CompressValue(req.Value, inst.settings.CompressionMinSize, inst.settings.CompressionMinRatio); ok {
			req.Value = v
			req.Datatype |= mcbp.DatatypeSnappy
		}
	}

	opts := mcreq.PacketOptions{
		Collections: inst.settings.UseCollections,
		UseFallback: inst.settings.retryPolicy(RetryOnMissingNode) != RetryNone,
	}
	pkt, pl, err := inst.queue.BasicPacket(req, cmd.Key, cid, opts)
	if err != nil {
		return err
	}
	pkt.Cookie = cmd.Cookie
	pkt.Callback = resultHandler(cb, cmd.Cookie)
	if cmd.Timeout > 0 {
		pkt.Start = inst.sched.Now()
		pkt.Deadline = pkt.Start.Add(cmd.Timeout)
	}

	inst.pending.add(pendingOps)
	inst.stats.recordScheduled()
	inst.schedule(pl, pkt)
	return nil
}

// serverForKey returns the server key currently maps to, nil when none.
func (inst *Instance) serverForKey(key []byte) *Server {
	_, ix, err := inst.queue.MapKey(key)
	if err != nil || ix < 0 || ix >= len(inst.servers) {
		return nil
	}
	return inst.servers[ix]
}

func resultHandler(cb Callback, cookie any) mcreq.Handler {
	return func(pkt *mcreq.Packet, resp *mcbp.Response, err error) {
		if cb == nil {
			return
		}
		res := &Result{Key: string(pkt.Key), Err: err, Cookie: cookie}
		if resp != nil {
			res.Status = resp.Status()
			res.CAS = resp.CAS
			res.Datatype = resp.Datatype &^ mcbp.DatatypeSnappy
			if err == nil {
				fillResult(res, pkt, resp)
			}
		}
		cb(res)
	}
}

func fillResult(res *Result, pkt *mcreq.Packet, resp *mcbp.Response) {
	switch pkt.Opcode {
	case mcbp.CmdGet, mcbp.CmdGetReplica, mcbp.CmdGetLocked, mcbp.CmdGAT:
		if len(resp.Extras) >= 4 {
			res.Flags = binary.BigEndian.Uint32(resp.Extras)
		}
		v, err := resp.DecodedValue()
		if err != nil {
			res.Err = errors.Wrapf(ErrProtocol, "value of %s: %v", res.Key, err)
			return
		}
		// Values alias the read buffer.
		res.Value = bytes.Clone(v)
	case mcbp.CmdSet, mcbp.CmdAdd, mcbp.CmdReplace, mcbp.CmdDelete,
		mcbp.CmdIncrement, mcbp.CmdDecrement:
		if uuid, seqno, ok := mcbp.DecodeMutationToken(resp.Extras); ok {
			res.Token = MutationToken{VBucket: uint16(max(pkt.VBucket, 0)), UUID: uuid, Seqno: seqno}
		}
		if pkt.Opcode == mcbp.CmdIncrement || pkt.Opcode == mcbp.CmdDecrement {
			res.Value = bytes.Clone(resp.Value)
		}
	default:
		if len(resp.Value) > 0 {
			res.Value = bytes.Clone(resp.Value)
		}
	}
}

// StoreMode selects the store opcode.
type StoreMode int

const (
	StoreUpsert StoreMode = iota
	StoreInsert
	StoreReplace
)

func (m StoreMode) opcode() mcbp.Opcode {
	switch m {
	case StoreInsert:
		return mcbp.CmdAdd
	case StoreReplace:
		return mcbp.CmdReplace
	}
	return mcbp.CmdSet
}

// StoreOptions tune UpsertAsync and Store.
type StoreOptions struct {
	Mode   StoreMode
	Flags  uint32
	Expiry uint32
	CAS    uint64
	JSON   bool

	Collection string
	Durability mcbp.DurabilityLevel
	Timeout    time.Duration
	Cookie     any
}

// GetAsync schedules a GET of key.
func (inst *Instance) GetAsync(key string, cb Callback) error {
	return inst.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key)}, cb)
}

// StoreAsync schedules a store of value under key.
func (inst *Instance) StoreAsync(key string, value []byte, opts StoreOptions, cb Callback) error {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras, opts.Flags)
	binary.BigEndian.PutUint32(extras[4:], opts.Expiry)
	cmd := &Command{
		Opcode:     opts.Mode.opcode(),
		Key:        []byte(key),
		Collection: opts.Collection,
		Extras:     extras,
		Value:      value,
		CAS:        opts.CAS,
		Timeout:    opts.Timeout,
		Durability: opts.Durability,
		Cookie:     opts.Cookie,
	}
	if opts.JSON {
		cmd.Datatype = mcbp.DatatypeJSON
	}
	return inst.Dispatch(cmd, cb)
}

// UpsertAsync schedules an unconditional store of value under key.
func (inst *Instance) UpsertAsync(key string, value []byte, cb Callback) error {
	return inst.StoreAsync(key, value, StoreOptions{}, cb)
}

// RemoveAsync schedules the removal of key. A non-zero cas must match.
func (inst *Instance) RemoveAsync(key string, cas uint64, cb Callback) error {
	return inst.Dispatch(&Command{Opcode: mcbp.CmdDelete, Key: []byte(key), CAS: cas}, cb)
}

// run schedules one operation with start and waits for its result.
func (inst *Instance) run(ctx context.Context, start func(Callback) error) (*Result, error) {
	var out *Result
	if err := start(func(res *Result) { out = res }); err != nil {
		return nil, err
	}
	if err := inst.Wait(ctx); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrRequestCanceled
	}
	return out, out.Err
}

// Get fetches key, running the loop until the reply arrives.
func (inst *Instance) Get(ctx context.Context, key string) (*Result, error) {
	return inst.run(ctx, func(cb Callback) error { return inst.GetAsync(key, cb) })
}

// Upsert stores value under key, running the loop until the reply arrives.
func (inst *Instance) Upsert(ctx context.Context, key string, value []byte) (*Result, error) {
	return inst.run(ctx, func(cb Callback) error { return inst.UpsertAsync(key, value, cb) })
}

// Store is StoreAsync followed by Wait.
func (inst *Instance) Store(ctx context.Context, key string, value []byte, opts StoreOptions) (*Result, error) {
	return inst.run(ctx, func(cb Callback) error { return inst.StoreAsync(key, value, opts, cb) })
}

// Remove deletes key, running the loop until the reply arrives.
func (inst *Instance) Remove(ctx context.Context, key string) (*Result, error) {
	return inst.run(ctx, func(cb Callback) error { return inst.RemoveAsync(key, 0, cb) })
}
