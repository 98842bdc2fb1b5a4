package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kioskworks/vendcore/internal/protocol"
	"github.com/kioskworks/vendcore/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		PollMs:           5,
		StatusIntervalMs: 1000,
		Link:             "/dev/ttyACM0",
		Broker:           "tcp://192.168.1.200:1883",
		MQTTEnabled:      true,
		HTTPAddr:         ":8080",
	}
	tr := status.NewTracker(start, cfg, 10)
	srv := New(":0", tr, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func machine() protocol.SystemStatus {
	return protocol.SystemStatus{
		BootID:   "5e0d4c1a",
		CoinSlot: protocol.CoinSlotStatus{TotalValue: 15, Attached: true},
		Hoppers: []protocol.HopperStatus{
			{Name: "hopper1", Denomination: 1, Status: "idle"},
			{Name: "hopper10", Denomination: 10, Status: "dispensing", Count: 1, Target: 2, Relay: true},
		},
		Change: protocol.ChangeStatus{Active: true, Amount: 20, Dispensed: 10},
		Dispensers: []protocol.PaperStatus{
			{Name: "short", Status: "error", Current: 1, Total: 3, StepsPerSheet: 1900},
		},
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(machine())
	tr.SetMQTTConnected(true)
	tr.Record(protocol.NewMessage(protocol.TargetHopper, protocol.KindEvent, 42,
		protocol.HopperEvent{Name: "hopper10", Denomination: 10, Event: "coin_out", Count: 1, Target: 2}))

	resp, body := get(t, ts.URL+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(body, &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.BootID != "5e0d4c1a" {
		t.Errorf("BootID: got %q", sj.Status.BootID)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Machine.CoinSlot.TotalValue != 15 {
		t.Errorf("CoinSlot.TotalValue: got %d, want 15", sj.Status.Machine.CoinSlot.TotalValue)
	}
	if len(sj.Status.Machine.Hoppers) != 2 {
		t.Fatalf("Hoppers: got %d, want 2", len(sj.Status.Machine.Hoppers))
	}
	if sj.Status.Counts.Events != 1 {
		t.Errorf("Counts.Events: got %d, want 1", sj.Status.Counts.Events)
	}
	if len(sj.Status.Recent) != 1 || sj.Status.Recent[0].TS != 42 {
		t.Errorf("Recent: got %+v", sj.Status.Recent)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "KioskNet",
	})

	_, body := get(t, ts.URL+"/index.json")
	var sj status.StatusJSON
	if err := json.Unmarshal(body, &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(machine())
	tr.Record(protocol.NewMessage(protocol.TargetCoinSlot, protocol.KindEvent, 7,
		protocol.CoinInserted{CoinValue: 5, TotalValue: 15}))

	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	page := string(body)
	for _, want := range []string{
		"hopper10",
		`class="busy">dispensing`,
		`class="fault">error`,
		"1/3",
		"5e0d4c1a",
		"tcp://192.168.1.200:1883",
		"coinValue",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := get(t, ts.URL+"/index.html")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := get(t, ts.URL+"/nonexistent")
	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	_, body := get(t, ts.URL+"/index.json")
	var sj1 status.StatusJSON
	json.Unmarshal(body, &sj1)
	if sj1.Status.Machine.Change.Active {
		t.Error("expected idle change initially")
	}

	tr.Update(machine())
	_, body = get(t, ts.URL+"/index.json")
	var sj2 status.StatusJSON
	json.Unmarshal(body, &sj2)
	if !sj2.Status.Machine.Change.Active || sj2.Status.Machine.Change.Dispensed != 10 {
		t.Errorf("Change: got %+v", sj2.Status.Machine.Change)
	}
}

func TestRenderUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := status.Snapshot{StartTime: start, Now: start.Add(26*time.Hour + 3*time.Minute + 4*time.Second)}

	var buf bytes.Buffer
	if err := renderHTML(&buf, snap); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "1d 2h 3m 4s") {
		t.Error("expected formatted uptime in page")
	}
}
