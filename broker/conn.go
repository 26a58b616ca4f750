package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const maxRequestSize = 100 << 20

var errCloseConnection = errors.New("closing connection")

// kafkaListener is one bound Kafka protocol listener and the address it advertises.
type kafkaListener struct {
	conf     ListenerConfig
	listener net.Listener
	host     string
	port     int32
}

func (s *Service) startKafkaListeners(ctx context.Context) error {
	configs, err := s.conf.ParseListeners()
	if err != nil {
		return err
	}
	for _, lc := range configs {
		l, err := s.listen(lc.Address())
		if err != nil {
			return err
		}
		if lc.Protocol == ListenerSSL {
			l = tls.NewListener(l, s.tlsConfig)
		}
		host := lc.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = s.conf.AdvertisedAddress
		}
		kl := &kafkaListener{conf: lc, listener: l, host: host, port: int32(lc.Port)}
		s.kafkaListeners = append(s.kafkaListeners, kl)
		s.group.Go(func() error {
			return s.acceptLoop(ctx, kl)
		})
	}
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, kl *kafkaListener) error {
	logger := s.logger.WithField("Listener", kl.conf.String())
	logger.Debug("Accepting connections")
	for {
		nc, err := kl.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting on %s: %w", kl.conf, err)
		}
		id := uuid.NewString()
		s.conns.Store(id, nc)
		s.metrics.connections.Inc()
		s.connWG.Add(1)
		c := &conn{
			svc:      s,
			listener: kl,
			nc:       nc,
			logger:   logger.WithField("Remote", nc.RemoteAddr().String()),
		}
		go func() {
			defer s.connWG.Done()
			defer s.metrics.connections.Dec()
			defer s.conns.Delete(id)
			c.serve(ctx)
		}()
	}
}

type requestHeader struct {
	apiKey        int16
	apiVersion    int16
	correlationID int32
	clientID      *string
}

func parseRequestHeader(b []byte) (requestHeader, []byte, error) {
	var h requestHeader
	if len(b) < 10 {
		return h, nil, fmt.Errorf("request header truncated (%d bytes)", len(b))
	}
	h.apiKey = int16(binary.BigEndian.Uint16(b[0:]))
	h.apiVersion = int16(binary.BigEndian.Uint16(b[2:]))
	h.correlationID = int32(binary.BigEndian.Uint32(b[4:]))
	n := int16(binary.BigEndian.Uint16(b[8:]))
	b = b[10:]
	if n >= 0 {
		if int(n) > len(b) {
			return h, nil, errors.New("request client id truncated")
		}
		id := string(b[:n])
		h.clientID = &id
		b = b[n:]
	}
	return h, b, nil
}

// skipTags discards a tagged-field section.
func skipTags(b []byte) ([]byte, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, errors.New("malformed tagged fields")
	}
	b = b[n:]
	for i := uint64(0); i < count; i++ {
		if _, n = binary.Uvarint(b); n <= 0 {
			return nil, errors.New("malformed tag")
		}
		b = b[n:]
		size, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < size {
			return nil, errors.New("malformed tag size")
		}
		b = b[n+int(size):]
	}
	return b, nil
}

// conn serves one Kafka protocol connection. Requests are handled one at a time, in order.
type conn struct {
	svc      *Service
	listener *kafkaListener
	nc       net.Conn
	logger   *logrus.Entry
	clientID string

	saslMechanism string
	saslRaw       bool
	authenticated bool
	principal     string
	closeAfter    bool
}

func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := bufio.NewReader(c.nc)
	var sizeBuf [4]byte
	for {
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debugf("Read failed: %s", err)
			}
			return
		}
		size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
		if size < 0 || size > maxRequestSize {
			c.logger.Warnf("Request size %d out of range", size)
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		if c.saslRaw {
			if err := c.handleRawSASL(buf); err != nil {
				c.logger.Info(err.Error())
				return
			}
			continue
		}
		out, err := c.handleFrame(ctx, buf)
		if err != nil {
			if !errors.Is(err, errCloseConnection) {
				c.logger.Warn(err.Error())
			}
			return
		}
		if out != nil {
			if _, err := c.nc.Write(out); err != nil {
				return
			}
		}
		if c.closeAfter {
			return
		}
	}
}

// handleFrame decodes one request and returns the encoded response, or nil when no response
// is sent.
func (c *conn) handleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	hdr, body, err := parseRequestHeader(frame)
	if err != nil {
		return nil, err
	}
	if hdr.clientID != nil {
		c.clientID = *hdr.clientID
	}
	name := kmsg.NameForKey(hdr.apiKey)
	c.svc.metrics.requests.WithLabelValues(name).Inc()

	if hdr.apiKey == apiKeyApiVersions && hdr.apiVersion > supportedAPIs[apiKeyApiVersions].max {
		return c.encode(hdr, c.unsupportedApiVersions()), nil
	}
	versions, ok := supportedAPIs[hdr.apiKey]
	if !ok || hdr.apiVersion < versions.min || hdr.apiVersion > versions.max {
		c.svc.metrics.requestErrors.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("unsupported request %s v%d from %q", name, hdr.apiVersion, c.clientID)
	}
	if c.svc.conf.AuthenticationEnabled && !c.authenticated && !versions.preAuth {
		return nil, fmt.Errorf("%w: %s before authentication", errCloseConnection, name)
	}

	req := kmsg.RequestForKey(hdr.apiKey)
	req.SetVersion(hdr.apiVersion)
	if req.IsFlexible() {
		if body, err = skipTags(body); err != nil {
			return nil, err
		}
	}
	if err := req.ReadFrom(body); err != nil {
		c.svc.metrics.requestErrors.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("decoding %s v%d: %w", name, hdr.apiVersion, err)
	}
	if c.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
		c.logger.Tracef("Received %s v%d (correlation %d)", name, hdr.apiVersion, hdr.correlationID)
	}

	resp := c.dispatch(ctx, req)
	if resp == nil {
		return nil, nil
	}
	resp.SetVersion(hdr.apiVersion)
	return c.encode(hdr, resp), nil
}

func (c *conn) encode(hdr requestHeader, resp kmsg.Response) []byte {
	out := make([]byte, 8, 64)
	binary.BigEndian.PutUint32(out[4:], uint32(hdr.correlationID))
	// ApiVersions responses always use header v0 so that clients can parse them before they
	// know what the broker supports.
	if resp.IsFlexible() && hdr.apiKey != apiKeyApiVersions {
		out = append(out, 0)
	}
	out = resp.AppendTo(out)
	binary.BigEndian.PutUint32(out, uint32(len(out)-4))
	return out
}

func (c *conn) dispatch(ctx context.Context, req kmsg.Request) kmsg.Response {
	switch r := req.(type) {
	case *kmsg.ApiVersionsRequest:
		return c.handleApiVersions(r)
	case *kmsg.MetadataRequest:
		return c.handleMetadata(ctx, r)
	case *kmsg.ProduceRequest:
		return c.handleProduce(ctx, r)
	case *kmsg.FetchRequest:
		return c.handleFetch(ctx, r)
	case *kmsg.ListOffsetsRequest:
		return c.handleListOffsets(ctx, r)
	case *kmsg.FindCoordinatorRequest:
		return c.handleFindCoordinator(r)
	case *kmsg.JoinGroupRequest:
		return c.handleJoinGroup(ctx, r)
	case *kmsg.SyncGroupRequest:
		return c.handleSyncGroup(ctx, r)
	case *kmsg.HeartbeatRequest:
		return c.handleHeartbeat(r)
	case *kmsg.LeaveGroupRequest:
		return c.handleLeaveGroup(r)
	case *kmsg.OffsetCommitRequest:
		return c.handleOffsetCommit(r)
	case *kmsg.OffsetFetchRequest:
		return c.handleOffsetFetch(r)
	case *kmsg.InitProducerIDRequest:
		return c.handleInitProducerID(r)
	case *kmsg.SASLHandshakeRequest:
		return c.handleSASLHandshake(r)
	case *kmsg.SASLAuthenticateRequest:
		return c.handleSASLAuthenticate(r)
	default:
		return nil
	}
}
