package clconfig

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/vbucket"
)

// DefaultHTTPIdleTimeout is how long a stream stays open after the monitor
// stopped needing it.
const DefaultHTTPIdleTimeout = 5 * time.Second

var streamDelimiter = []byte("\n\n\n\n")

type HTTPOptions struct {
	Client *http.Client
	Logger *zap.Logger

	Bucket   string
	Username string
	Password string

	// NodeTimeout bounds the wait for a config on a fresh or refreshed
	// stream.
	NodeTimeout time.Duration

	// IdleTimeout closes the stream that long after Pause. Negative keeps
	// it open.
	IdleTimeout time.Duration

	Network   string
	Randomize bool
	SSL       bool
}

// HTTP streams configs from the cluster management REST interface.
type HTTP struct {
	baseProvider

	sched  evloop.Scheduler
	logger *zap.Logger
	client *http.Client
	opts   HTTPOptions

	nodes   []string
	nodeIdx int
	tries   int
	curHost string

	cancel    context.CancelFunc
	gen       uint64
	streaming bool

	cached   *ConfigInfo
	lastHash uint64

	bo             backoff.BackOff
	ioTimer        evloop.Timer
	idleTimer      evloop.Timer
	reconnectTimer evloop.Timer
}

// NewHTTP registers an HTTP streaming provider on m. It starts disabled.
func NewHTTP(m *Monitor, opts HTTPOptions) *HTTP {
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.NodeTimeout == 0 {
		opts.NodeTimeout = DefaultConfigNodeTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultHTTPIdleTimeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	h := &HTTP{
		baseProvider: baseProvider{mon: m, method: MethodHTTP},
		sched:        m.sched,
		logger:       opts.Logger.Named("htconfig"),
		client:       opts.Client,
		opts:         opts,
		bo:           bo,
	}
	h.ioTimer = m.sched.NewTimer(h.onIOTimeout)
	h.idleTimer = m.sched.NewTimer(h.closeStream)
	h.reconnectTimer = m.sched.NewTimer(h.connectNext)
	m.register(h)
	return h
}

func (h *HTTP) Cached() *ConfigInfo {
	return h.cached
}

func (h *HTTP) Nodes() []string {
	return append([]string(nil), h.nodes...)
}

func (h *HTTP) ConfigureNodes(nodes []string) {
	h.nodes = append(h.nodes[:0], nodes...)
	if h.opts.Randomize {
		shuffle(h.nodes)
	}
	h.nodeIdx = 0
	h.tries = 0
}

func (h *HTTP) ConfigUpdated(cfg *vbucket.Config) {
	nodes := cfg.HostPorts(vbucket.SvcMgmt, h.opts.SSL)
	if len(nodes) == 0 {
		return
	}
	h.nodes = nodes
	if h.opts.Randomize {
		shuffle(h.nodes)
	}
	h.nodeIdx = 0
}

// CurrentHost returns the node the stream is connected to.
func (h *HTTP) CurrentHost() string {
	if h.cancel == nil {
		return ""
	}
	return h.curHost
}

// Refresh waits for the live stream, or connects to the next node.
func (h *HTTP) Refresh() error {
	h.idleTimer.Cancel()
	if h.cancel != nil {
		if h.streaming && h.cached != nil {
			cached := h.cached
			h.sched.Post(func() {
				if h.cached == cached {
					h.mon.ProviderGotConfig(h, cached)
				}
			})
			return nil
		}
		h.ioTimer.Arm(h.opts.NodeTimeout)
		return nil
	}
	if h.reconnectTimer.Armed() {
		return nil
	}
	h.tries = 0
	h.connectNext()
	return nil
}

// Pause schedules the stream to close after the idle timeout.
func (h *HTTP) Pause() bool {
	h.ioTimer.Cancel()
	if h.cancel == nil || h.opts.IdleTimeout < 0 {
		return false
	}
	h.idleTimer.Arm(h.opts.IdleTimeout)
	return true
}

func (h *HTTP) paths() []string {
	if h.opts.Bucket == "" {
		return []string{"/pools/default/nodeServicesStreaming"}
	}
	b := url.PathEscape(h.opts.Bucket)
	return []string{"/pools/default/bs/" + b, "/pools/default/bucketsStreaming/" + b}
}

func (h *HTTP) connectNext() {
	h.closeStream()
	if len(h.nodes) == 0 || h.tries >= len(h.nodes) {
		h.tries = 0
		h.mon.ProviderFailed(h, kverr.ErrNoMatchingServer)
		return
	}
	if h.nodeIdx >= len(h.nodes) {
		h.nodeIdx = 0
	}
	host := h.nodes[h.nodeIdx]
	h.nodeIdx++
	h.tries++

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.curHost = host
	h.gen++
	h.streaming = false
	h.ioTimer.Arm(h.opts.NodeTimeout)

	h.logger.Debug("opening config stream", zap.String("host", host))
	go h.stream(ctx, h.gen, host)
}

func (h *HTTP) closeStream() {
	h.idleTimer.Cancel()
	h.ioTimer.Cancel()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.streaming = false
}

// stream runs on its own goroutine and posts everything it reads.
func (h *HTTP) stream(ctx context.Context, gen uint64, host string) {
	resp, err := h.open(ctx, host)
	if err != nil {
		h.sched.Post(func() { h.onStreamError(gen, err) })
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.Debug("unexpected close error", zap.Error(err))
		}
	}()

	rd := bufio.NewReader(resp.Body)
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := rd.Read(chunk)
		buf.Write(chunk[:n])
		for {
			i := bytes.Index(buf.Bytes(), streamDelimiter)
			if i < 0 {
				break
			}
			payload := bytes.Clone(buf.Bytes()[:i])
			buf.Next(i + len(streamDelimiter))
			if len(bytes.TrimSpace(payload)) == 0 {
				continue
			}
			h.sched.Post(func() { h.onChunk(gen, host, payload) })
		}
		if err != nil {
			if err == io.EOF {
				err = errors.Wrap(kverr.ErrNetwork, "config stream closed")
			} else {
				err = errors.Wrapf(kverr.ErrNetwork, "config stream: %v", err)
			}
			h.sched.Post(func() { h.onStreamError(gen, err) })
			return
		}
	}
}

func (h *HTTP) open(ctx context.Context, host string) (*http.Response, error) {
	scheme := "http://"
	if h.opts.SSL {
		scheme = "https://"
	}

	for _, path := range h.paths() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+host+path, nil)
		if err != nil {
			return nil, errors.Wrapf(kverr.ErrInvalidArgument, "config request: %v", err)
		}
		if h.opts.Username != "" || h.opts.Password != "" {
			req.SetBasicAuth(h.opts.Username, h.opts.Password)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(kverr.ErrConnect, "%s: %v", host, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return resp, nil
		case http.StatusNotFound:
			_ = resp.Body.Close()
			continue
		case http.StatusUnauthorized, http.StatusForbidden:
			_ = resp.Body.Close()
			return nil, errors.Wrapf(kverr.ErrAuthentication, "%s answered %d", host, resp.StatusCode)
		default:
			_ = resp.Body.Close()
			return nil, errors.Wrapf(kverr.ErrProtocol, "%s answered %d", host, resp.StatusCode)
		}
	}
	return nil, errors.Wrapf(kverr.ErrBucketNotFound, "%s has no stream for %q", host, h.opts.Bucket)
}

func (h *HTTP) onChunk(gen uint64, host string, payload []byte) {
	if gen != h.gen {
		return
	}
	h.ioTimer.Cancel()
	h.streaming = true
	h.tries = 0
	h.bo.Reset()

	hash := xxh3.HashSeed(payload, xxh3.HashString(host))
	if h.cached != nil && hash == h.lastHash {
		h.mon.ProviderGotConfig(h, h.cached)
		return
	}

	cfg, err := vbucket.Parse(payload, vbucket.ParseOptions{
		SourceHost: hostOnly(host),
		Network:    h.opts.Network,
	})
	if err != nil {
		h.logger.Error("failed to parse streamed config", zap.String("host", host), zap.Error(err))
		return
	}

	if h.cached != nil {
		h.cached.Decref()
	}
	h.cached = NewConfigInfo(cfg, MethodHTTP)
	h.lastHash = hash
	h.mon.ProviderGotConfig(h, h.cached)
}

func (h *HTTP) onStreamError(gen uint64, err error) {
	if gen != h.gen {
		return
	}
	h.logger.Info("config stream failed", zap.String("host", h.curHost), zap.Error(err))
	h.closeStream()

	if kverr.IsAuthError(err) {
		h.mon.ProviderFailed(h, err)
		return
	}
	if h.tries >= len(h.nodes) {
		h.tries = 0
		h.mon.ProviderFailed(h, err)
		return
	}
	h.reconnectTimer.Arm(h.bo.NextBackOff())
}

func (h *HTTP) onIOTimeout() {
	if h.streaming && h.cached != nil {
		h.mon.ProviderGotConfig(h, h.cached)
		return
	}
	h.onStreamError(h.gen, errors.Wrap(kverr.ErrTimeout, "waiting for streamed config"))
}

func (h *HTTP) Close() {
	h.reconnectTimer.Cancel()
	h.closeStream()
	h.gen++
	if h.cached != nil {
		h.cached.Decref()
		h.cached = nil
	}
}
