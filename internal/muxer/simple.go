// Package muxer adapts github.com/xtaci/smux onto service.Muxer: each
// substream carries a small header identifying the protocol and
// negotiating its version before the first payload byte, so a Stream
// handed back from OpenStream/AcceptStream already knows which protocol
// handler it belongs to and which version both ends agreed on.
package muxer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xtaci/smux"

	"github.com/tentanet/p2pd/internal/service"
)

// Negotiator picks a version for proto given the versions the remote end
// offered, or reports that no compatible version exists. It is how the
// muxer reaches back into the caller's protocol table without importing
// the service package's internals.
type Negotiator func(proto service.ProtocolID, remoteVersions []string) (string, bool)

// Simple is a service.Muxer backed by smux, a single yamux-style
// multiplexer over one underlying connection.
type Simple struct {
	negotiate Negotiator
	config    *smux.Config
}

// New builds a Simple muxer. negotiate is consulted on every accepted
// substream; with a nil negotiate every accepted substream is rejected.
func New(negotiate Negotiator) *Simple {
	return &Simple{negotiate: negotiate, config: smux.DefaultConfig()}
}

func (m *Simple) Open(ctx context.Context, conn service.Conn, t service.SessionType) (service.MuxedSession, error) {
	if t == service.Outbound {
		sess, err := smux.Client(conn, m.config)
		if err != nil {
			return nil, fmt.Errorf("muxer: client init: %w: %v", service.ErrMuxerError, err)
		}
		return &session{sess: sess, negotiate: m.negotiate}, nil
	}
	sess, err := smux.Server(conn, m.config)
	if err != nil {
		return nil, fmt.Errorf("muxer: server init: %w: %v", service.ErrMuxerError, err)
	}
	return &session{sess: sess, negotiate: m.negotiate}, nil
}

type session struct {
	sess      *smux.Session
	negotiate Negotiator
}

func (s *session) OpenStream(ctx context.Context, proto service.ProtocolID, localVersions []string) (service.Stream, error) {
	raw, err := s.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("muxer: open stream: %w: %v", service.ErrMuxerError, err)
	}
	if err := writeHeader(raw, proto, localVersions); err != nil {
		_ = raw.Close()
		return nil, err
	}
	ok, version, err := readHandshakeReply(raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	if !ok {
		_ = raw.Close()
		return nil, fmt.Errorf("muxer: protocol %d: %w", proto, service.ErrProtocolSelectError)
	}
	return &stream{Stream: raw, proto: proto, version: version}, nil
}

// AcceptStream retries internally across substreams whose protocol
// negotiation fails, since those never produced a Stream worth handing
// to the caller.
func (s *session) AcceptStream(ctx context.Context) (service.Stream, error) {
	for {
		raw, err := s.sess.AcceptStream()
		if err != nil {
			return nil, fmt.Errorf("muxer: accept stream: %w: %v", service.ErrMuxerError, err)
		}
		proto, remoteVersions, err := readHeader(raw)
		if err != nil {
			_ = raw.Close()
			continue
		}
		version, ok := "", false
		if s.negotiate != nil {
			version, ok = s.negotiate(proto, remoteVersions)
		}
		if err := writeHandshakeReply(raw, ok, version); err != nil {
			_ = raw.Close()
			continue
		}
		if !ok {
			_ = raw.Close()
			continue
		}
		return &stream{Stream: raw, proto: proto, version: version}, nil
	}
}

func (s *session) Close() error { return s.sess.Close() }

type stream struct {
	*smux.Stream
	proto   service.ProtocolID
	version string
}

func (s *stream) ProtocolID() service.ProtocolID { return s.proto }
func (s *stream) Version() string                { return s.version }

// Wire format, all integers big-endian:
//
//	header:  protoID(4) versionCount(1) [versionLen(1) versionBytes]...
//	reply:   ok(1) [versionLen(1) versionBytes]
const maxVersionLen = 255

func writeHeader(w io.Writer, proto service.ProtocolID, versions []string) error {
	buf := make([]byte, 4, 4+1+len(versions)*(1+maxVersionLen))
	binary.BigEndian.PutUint32(buf, uint32(proto))
	buf = append(buf, byte(len(versions)))
	for _, v := range versions {
		if len(v) > maxVersionLen {
			return fmt.Errorf("muxer: version %q exceeds %d bytes", v, maxVersionLen)
		}
		buf = append(buf, byte(len(v)))
		buf = append(buf, v...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("muxer: write header: %w: %v", service.ErrIO, err)
	}
	return nil
}

func readHeader(r io.Reader) (service.ProtocolID, []string, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, fmt.Errorf("muxer: read header: %w: %v", service.ErrIO, err)
	}
	proto := service.ProtocolID(binary.BigEndian.Uint32(head[:4]))
	count := int(head[4])
	versions := make([]string, count)
	for i := 0; i < count; i++ {
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return 0, nil, fmt.Errorf("muxer: read version length: %w: %v", service.ErrIO, err)
		}
		v := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, v); err != nil {
			return 0, nil, fmt.Errorf("muxer: read version: %w: %v", service.ErrIO, err)
		}
		versions[i] = string(v)
	}
	return proto, versions, nil
}

func writeHandshakeReply(w io.Writer, ok bool, version string) error {
	buf := make([]byte, 0, 2+len(version))
	if ok {
		buf = append(buf, 1, byte(len(version)))
		buf = append(buf, version...)
	} else {
		buf = append(buf, 0)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("muxer: write handshake reply: %w: %v", service.ErrIO, err)
	}
	return nil
}

func readHandshakeReply(r io.Reader) (bool, string, error) {
	var okByte [1]byte
	if _, err := io.ReadFull(r, okByte[:]); err != nil {
		return false, "", fmt.Errorf("muxer: read handshake reply: %w: %v", service.ErrIO, err)
	}
	if okByte[0] == 0 {
		return false, "", nil
	}
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return false, "", fmt.Errorf("muxer: read handshake version length: %w: %v", service.ErrIO, err)
	}
	v := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, v); err != nil {
		return false, "", fmt.Errorf("muxer: read handshake version: %w: %v", service.ErrIO, err)
	}
	return true, string(v), nil
}
