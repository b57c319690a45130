// Package addr parses and builds the peer addresses the Service Core
// dials and advertises: multiaddr strings of the form
// /ip4/203.0.113.7/tcp/4001/p2p/<peer-id>, with the /p2p/<peer-id>
// component optional for plain listen/dial addresses that carry no
// known peer identity yet.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
)

// PeerAddr is a parsed multiaddr restricted to the ip4/ip6 + tcp (+
// optional p2p) shape the Service Core's transport and handshake
// collaborators understand.
type PeerAddr struct {
	raw    ma.Multiaddr
	host   string
	port   int
	peerID string
}

// Parse validates s against the supported component set and extracts
// the dial address (host:port) and, if present, the peer ID.
func Parse(s string) (*PeerAddr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("addr: parse %q: %w", s, err)
	}
	return fromMultiaddr(m)
}

func fromMultiaddr(m ma.Multiaddr) (*PeerAddr, error) {
	var host, transportProto, portStr, peerID string
	m.ForEach(func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_IP4, ma.P_IP6:
			host = c.Value()
		case ma.P_TCP:
			transportProto = "tcp"
			portStr = c.Value()
		case ma.P_P2P:
			peerID = c.Value()
		}
		return true
	})
	if host == "" || transportProto == "" {
		return nil, fmt.Errorf("addr: %q: %w", m.String(), errUnsupportedShape)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("addr: %q: invalid port: %w", m.String(), err)
	}
	return &PeerAddr{raw: m, host: host, port: port, peerID: peerID}, nil
}

// New builds a PeerAddr from components; peerID may be empty.
func New(host string, port int, peerID string) (*PeerAddr, error) {
	s := fmt.Sprintf("/%s/%s/tcp/%d", ipProtocol(host), host, port)
	if peerID != "" {
		s += "/p2p/" + peerID
	}
	return Parse(s)
}

func ipProtocol(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "ip6"
	}
	return "ip4"
}

// DialAddress returns the host:port pair a transport's Dial/Listen
// expects.
func (p *PeerAddr) DialAddress() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// ResolveDialAddress accepts either a plain host:port address or a
// multiaddr and returns the host:port form a Transport's Dial/Listen
// expects, plus the embedded peer id (empty if s carries no /p2p/
// component or is a bare host:port). A bare host:port is passed through
// unchanged, since it contains no multiaddr component Parse could
// recognize.
func ResolveDialAddress(s string) (dialAddr, peerID string, err error) {
	if !strings.HasPrefix(s, "/") {
		return s, "", nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return "", "", err
	}
	return parsed.DialAddress(), parsed.PeerID(), nil
}

// PeerIDFromPublicKey derives the textual peer id a /p2p/<id> multiaddr
// component embeds from a raw public key, using the multihash identity
// encoding libp2p-style peer ids use for keys small enough to inline
// (ed25519 keys always qualify).
func PeerIDFromPublicKey(pub []byte) (string, error) {
	digest, err := multihash.Sum(pub, multihash.IDENTITY, -1)
	if err != nil {
		return "", fmt.Errorf("addr: derive peer id: %w", err)
	}
	return digest.B58String(), nil
}

// PeerID returns the /p2p/<id> component, or "" if the address carries
// no peer identity.
func (p *PeerAddr) PeerID() string { return p.peerID }

func (p *PeerAddr) String() string { return p.raw.String() }

var errUnsupportedShape = fmt.Errorf("address must contain an ip4 or ip6 component and a tcp component")
