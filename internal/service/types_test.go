package service_test

import (
	"testing"

	"github.com/tentanet/p2pd/internal/service"
)

func TestProtocolMetaNegotiatePicksHighestLocalPreference(t *testing.T) {
	tests := []struct {
		name   string
		local  []string
		remote []string
		want   string
		wantOK bool
	}{
		{"exact match", []string{"2", "1"}, []string{"1", "2"}, "2", true},
		{"only lower overlaps", []string{"2", "1"}, []string{"1"}, "1", true},
		{"no overlap", []string{"2"}, []string{"1"}, "", false},
		{"empty remote", []string{"1"}, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := service.ProtocolMeta{SupportedVersions: tt.local}
			got, ok := meta.Negotiate(tt.remote)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("Negotiate(%v) with local %v = (%q, %v), want (%q, %v)", tt.remote, tt.local, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSessionTypeString(t *testing.T) {
	if got := service.Inbound.String(); got != "inbound" {
		t.Errorf("Inbound.String() = %q, want inbound", got)
	}
	if got := service.Outbound.String(); got != "outbound" {
		t.Errorf("Outbound.String() = %q, want outbound", got)
	}
	if !service.Outbound.IsOutbound() {
		t.Error("Outbound.IsOutbound() = false, want true")
	}
	if service.Inbound.IsOutbound() {
		t.Error("Inbound.IsOutbound() = true, want false")
	}
}

func TestSessionContextClosed(t *testing.T) {
	ctx := &service.SessionContext{ID: 1}
	if ctx.Closed() {
		t.Fatal("freshly constructed SessionContext reports Closed() = true")
	}
}
