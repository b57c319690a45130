package addr_test

import (
	"testing"

	"github.com/tentanet/p2pd/internal/addr"
)

func TestParseExtractsDialAddressAndPeerID(t *testing.T) {
	a, err := addr.Parse("/ip4/203.0.113.7/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := a.DialAddress(), "203.0.113.7:4001"; got != want {
		t.Fatalf("DialAddress = %q, want %q", got, want)
	}
	if got, want := a.PeerID(), "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"; got != want {
		t.Fatalf("PeerID = %q, want %q", got, want)
	}
}

func TestParseWithoutPeerID(t *testing.T) {
	a, err := addr.Parse("/ip4/0.0.0.0/tcp/4001")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.PeerID() != "" {
		t.Fatalf("PeerID = %q, want empty", a.PeerID())
	}
}

func TestParseRejectsUnsupportedShape(t *testing.T) {
	if _, err := addr.Parse("/ip4/203.0.113.7/udp/4001"); err == nil {
		t.Fatal("expected error for udp-only address")
	}
}

func TestNewRoundTrips(t *testing.T) {
	a, err := addr.New("198.51.100.2", 9000, "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reparsed, err := addr.Parse(a.String())
	if err != nil {
		t.Fatalf("Parse(New(...).String()): %v", err)
	}
	if reparsed.DialAddress() != a.DialAddress() || reparsed.PeerID() != a.PeerID() {
		t.Fatalf("round trip mismatch: %+v vs %+v", reparsed, a)
	}
}
