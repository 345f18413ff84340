package net

import (
	"testing"

	"github.com/tipscore/corebus/subtable"
)

func TestAdvertisePeriodDefaultsWhenUnset(t *testing.T) {
	if got := advertisePeriod(Config{}); got.Seconds() != 2 {
		t.Fatalf("expected default 2s, got %v", got)
	}
	if got := advertisePeriod(Config{TypeTagAdvertisePeriodSeconds: 7}); got.Seconds() != 7 {
		t.Fatalf("expected 7s, got %v", got)
	}
}

func TestHeartbeatPeriodDefaultsWhenUnset(t *testing.T) {
	if got := heartbeatPeriod(Config{}); got.Seconds() != 5 {
		t.Fatalf("expected default 5s, got %v", got)
	}
	if got := heartbeatPeriod(Config{HeartbeatPeriodSeconds: 1}); got.Seconds() != 1 {
		t.Fatalf("expected 1s, got %v", got)
	}
}

func TestNewHubBindsTCPAndUDPSockets(t *testing.T) {
	tbl := subtable.New()
	h, err := NewHub(Config{
		IfaceAddr:    "127.0.0.1",
		TCPPort:      0,
		UdpcastDests: "239.255.9.9:31999",
	}, tbl, nil, testLogger())
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer h.Stop()

	if h.listener == nil {
		t.Fatalf("expected a bound TCP listener")
	}
	if h.alreadyConnected("nobody:0") {
		t.Fatalf("expected no outbound sessions on a freshly built hub")
	}
}
