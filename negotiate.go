package couchkv

import (
	"context"
	"encoding/json"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/mcbp"
)

// Session is a connection to a data node that completed negotiation.
type Session struct {
	ID       string
	Host     string
	Features []mcbp.Feature
	Mechs    []string
	ErrorMap *ErrorMap

	conn net.Conn
	seq  uint32
}

// HasFeature reports whether f was granted by the server.
func (s *Session) HasFeature(f mcbp.Feature) bool {
	return slices.Contains(s.Features, f)
}

func (s *Session) Conn() net.Conn {
	return s.conn
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// roundTrip writes req and reads the matching response. It is only used
// while the session is not attached to a server pipeline.
func (s *Session) roundTrip(req *mcbp.Request) (*mcbp.Response, error) {
	s.seq++
	req.Opaque = s.seq
	if _, err := s.conn.Write(req.Bytes()); err != nil {
		return nil, &mcbp.ConnectionError{Op: "write", Err: err}
	}
	for {
		resp, err := mcbp.ReadResponse(s.conn)
		if err != nil {
			return nil, err
		}
		if resp.Opaque == req.Opaque {
			return resp, nil
		}
	}
}

// Exec sends req on an idle session and returns the response.
func (s *Session) Exec(ctx context.Context, req *mcbp.Request) (*mcbp.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}
	resp, err := s.roundTrip(req)
	if err != nil {
		return nil, ioError(ctx, s.Host, err)
	}
	return resp, nil
}

type negotiator struct {
	settings *Settings
	logger   *zap.Logger
}

// requestedFeatures lists the HELLO features the settings allow.
func (n *negotiator) requestedFeatures() []mcbp.Feature {
	features := []mcbp.Feature{
		mcbp.FeatureTCPNoDelay,
		mcbp.FeatureXattr,
		mcbp.FeatureSelectBucket,
		mcbp.FeatureJSON,
		mcbp.FeatureAltRequests,
	}
	if n.settings.UseErrorMap {
		features = append(features, mcbp.FeatureXerror)
	}
	if n.settings.UseCompression {
		features = append(features, mcbp.FeatureSnappy)
	}
	if n.settings.UseMutationTokens {
		features = append(features, mcbp.FeatureSeqNo)
	}
	if n.settings.UseCollections {
		features = append(features, mcbp.FeatureCollections)
	}
	if n.settings.EnableDurableWrite {
		features = append(features, mcbp.FeatureSyncReplication)
	}
	return features
}

// Dial connects to host and negotiates a session.
func (n *negotiator) Dial(ctx context.Context, host string) (*Session, error) {
	var (
		conn net.Conn
		err  error
	)
	if n.settings.dial != nil {
		conn, err = n.settings.dial(ctx, host)
	} else {
		conn, err = n.settings.Dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, ioError(ctx, host, err)
	}

	sess, err := n.negotiate(ctx, conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}

func (n *negotiator) negotiate(ctx context.Context, conn net.Conn, host string) (*Session, error) {
	sess := &Session{
		ID:   uuid.NewString(),
		Host: host,
		conn: conn,
	}
	logger := n.logger.With(zap.String("host", host), zap.String("session", sess.ID))

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	defer conn.SetDeadline(time.Time{})

	name, _ := json.Marshal(map[string]string{"a": "couchkv", "i": sess.ID})
	resp, err := sess.roundTrip(&mcbp.Request{
		Opcode: mcbp.CmdHello,
		Key:    name,
		Value:  mcbp.EncodeHello(n.requestedFeatures()),
	})
	if err != nil {
		return nil, ioError(ctx, host, err)
	}
	if resp.Status() == mcbp.StatusSuccess {
		sess.Features, err = mcbp.DecodeHello(resp.Value)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "hello from %s: %v", host, err)
		}
	} else {
		logger.Debug("server does not support hello", zap.Stringer("status", resp.Status()))
	}

	if n.settings.UseErrorMap && sess.HasFeature(mcbp.FeatureXerror) {
		resp, err := sess.roundTrip(&mcbp.Request{
			Opcode: mcbp.CmdGetErrorMap,
			Value:  mcbp.EncodeErrorMapVersion(errorMapVersion),
		})
		if err != nil {
			return nil, ioError(ctx, host, err)
		}
		if resp.Status() == mcbp.StatusSuccess {
			sess.ErrorMap, err = ParseErrorMap(resp.Value)
			if err != nil {
				logger.Warn("ignoring invalid error map", zap.Error(err))
			}
		}
	}

	if n.settings.Username != "" {
		if err := n.authenticate(ctx, sess); err != nil {
			return nil, err
		}
	}

	if n.settings.Bucket != "" && sess.HasFeature(mcbp.FeatureSelectBucket) {
		resp, err := sess.roundTrip(&mcbp.Request{
			Opcode: mcbp.CmdSelectBucket,
			Key:    []byte(n.settings.Bucket),
		})
		if err != nil {
			return nil, ioError(ctx, host, err)
		}
		switch resp.Status() {
		case mcbp.StatusSuccess:
		case mcbp.StatusKeyNotFound, mcbp.StatusNoBucket:
			return nil, errors.Wrapf(ErrBucketNotFound, "bucket %q on %s", n.settings.Bucket, host)
		case mcbp.StatusAccessError, mcbp.StatusAuthError:
			return nil, errors.Wrapf(ErrAuthentication, "select bucket %q on %s", n.settings.Bucket, host)
		default:
			return nil, statusError(resp.Status(), mcbp.CmdSelectBucket, []byte(n.settings.Bucket))
		}
	}

	logger.Debug("session negotiated", zap.Int("features", len(sess.Features)))
	return sess, nil
}

func (n *negotiator) authenticate(ctx context.Context, sess *Session) error {
	resp, err := sess.roundTrip(&mcbp.Request{Opcode: mcbp.CmdSASLListMechs})
	if err != nil {
		return ioError(ctx, sess.Host, err)
	}
	if resp.Status() == mcbp.StatusSuccess {
		sess.Mechs = strings.Fields(string(resp.Value))
	}
	if len(sess.Mechs) > 0 && !slices.Contains(sess.Mechs, "PLAIN") {
		return errors.Wrapf(ErrAuthentication, "%s offers no supported mechanism (%v)", sess.Host, sess.Mechs)
	}

	resp, err = sess.roundTrip(&mcbp.Request{
		Opcode: mcbp.CmdSASLAuth,
		Key:    []byte("PLAIN"),
		Value:  mcbp.EncodeSASLPlain(n.settings.Username, n.settings.Password),
	})
	if err != nil {
		return ioError(ctx, sess.Host, err)
	}
	switch resp.Status() {
	case mcbp.StatusSuccess:
		return nil
	case mcbp.StatusAuthError, mcbp.StatusAccessError, mcbp.StatusAuthStale:
		return errors.Wrapf(ErrAuthentication, "as %q on %s", n.settings.Username, sess.Host)
	}
	return statusError(resp.Status(), mcbp.CmdSASLAuth, nil)
}

// ioError classifies a dial or socket failure. Deadline failures become
// timeouts, everything else a connect error.
func ioError(ctx context.Context, host string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrapf(ErrTimeout, "connecting to %s: %v", host, err)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol) {
		return err
	}
	var protoErr *mcbp.ProtocolError
	if errors.As(err, &protoErr) {
		return errors.Wrapf(ErrProtocol, "%s: %v", host, err)
	}
	return errors.Wrapf(ErrConnect, "%s: %v", host, err)
}
