package ingest

import (
	"testing"
)

func TestParsePlainWifi(t *testing.T) {
	p := NewParser()
	obs, err := p.ParseLine("WIFI AA:BB:CC:DD:EE:FF -52 6 Home Network")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if obs.IsBLE {
		t.Fatal("wifi line parsed as ble")
	}
	if obs.Addr.String() != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("addr = %s", obs.Addr)
	}
	if obs.RSSI != -52 || obs.Channel != 6 {
		t.Fatalf("rssi/channel = %d/%d", obs.RSSI, obs.Channel)
	}
	if obs.Name != "Home Network" {
		t.Fatalf("name = %q", obs.Name)
	}
}

func TestParsePlainBLENoChannel(t *testing.T) {
	p := NewParser()
	obs, err := p.ParseLine("BLE 11:22:33:44:55:66 -70 Tile")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !obs.IsBLE || obs.Channel != 0 || obs.Name != "Tile" {
		t.Fatalf("unexpected: %+v", obs)
	}
}

func TestParseJSONObject(t *testing.T) {
	p := NewParser()
	obs, err := p.ParseLine(`{"type":"ble","mac":"11:22:33:44:55:66","rssi":-68,"name":"Band"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !obs.IsBLE || obs.RSSI != -68 || obs.Name != "Band" {
		t.Fatalf("unexpected: %+v", obs)
	}
}

func TestParseBlankAndComment(t *testing.T) {
	p := NewParser()
	for _, line := range []string{"", "   ", "# comment"} {
		obs, err := p.ParseLine(line)
		if err != nil || obs != nil {
			t.Fatalf("line %q: obs=%v err=%v", line, obs, err)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	p := NewParser()
	cases := []string{
		"WIFI nothexaddr -52",
		"LASER AA:BB:CC:DD:EE:FF -52",
		"WIFI AA:BB:CC:DD:EE:FF notanumber",
		"WIFI AA:BB:CC:DD:EE:FF 40", // positive rssi
		"WIFI AA:BB:CC:DD:EE:FF",
	}
	for _, line := range cases {
		if _, err := p.ParseLine(line); err == nil {
			t.Fatalf("line %q parsed without error", line)
		}
	}
}
