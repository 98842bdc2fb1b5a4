package internal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/machine"
	"github.com/kioskworks/vendcore/internal/mqtt"
	"github.com/kioskworks/vendcore/internal/protocol"
	"github.com/kioskworks/vendcore/internal/status"
)

const poll = 5 * time.Millisecond

// coinDrops simulates the hopper mechanisms: once an actuator is energized
// its sensor sees one coin 300ms later for 40ms.
type coinDrops struct {
	pins    *gpio.FakePins
	sensors map[int]int
	drops   map[int]time.Time
}

func (c *coinDrops) tick(now time.Time) {
	for out, sens := range c.sensors {
		if _, ok := c.drops[out]; !ok && c.pins.Outputs[out].Active() {
			c.drops[out] = now.Add(300 * time.Millisecond)
		}
		drop, ok := c.drops[out]
		c.pins.Inputs[sens].Set(ok && !now.Before(drop) && now.Before(drop.Add(40*time.Millisecond)))
	}
}

// TestIntegrationCoinInAndChangeOut runs a sale from GPIO edges through the
// machine to MQTT and the status tracker: a 20 is inserted, 16 is paid back.
func TestIntegrationCoinInAndChangeOut(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pins := gpio.NewFakePins()
	m, err := machine.New(config.Default(), pins, "boot-7", start, nil)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	publisher := mqtt.NewFakePublisher("vendcore", nil)
	tracker := status.NewTracker(start, status.Config{MQTTEnabled: true}, 100)

	emit := func(msgs ...protocol.Message) {
		for _, msg := range msgs {
			if err := publisher.Publish(msg); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		tracker.Record(msgs...)
		tracker.Update(m.Snapshot())
	}

	now := start
	emit(m.Step(now)...)

	// nine pulses classify as a 20
	for i := 0; i < 9; i++ {
		pins.Edges[2].Fire(now.Add(time.Duration(i+1) * 80 * time.Millisecond))
	}
	now = now.Add(1500 * time.Millisecond)
	emit(m.Step(now)...)

	if got := tracker.Snapshot().Machine.CoinSlot.TotalValue; got != 20 {
		t.Fatalf("inserted total: got %d, want 20", got)
	}

	drops := &coinDrops{
		pins:    pins,
		sensors: map[int]int{4: 8, 5: 9, 6: 10},
		drops:   make(map[int]time.Time),
	}
	reply := m.HandleLine(`{"v":1,"target":"Change","cmd":"dispense","value":16}`, now)
	if reply.Type != protocol.KindAck {
		t.Fatalf("change reply: got %+v", reply)
	}
	emit(reply)

	end := now.Add(4 * time.Second)
	for now.Before(end) {
		now = now.Add(poll)
		drops.tick(now)
		emit(m.Step(now)...)
	}

	var done *protocol.ChangeEvent
	var coinEvents, retained int
	for i, msg := range publisher.Messages {
		switch data := msg.Data.(type) {
		case protocol.ChangeEvent:
			done = &data
			if publisher.Topics[i] != "vendcore/change/event" {
				t.Errorf("change event topic: got %q", publisher.Topics[i])
			}
		case protocol.CoinInserted:
			coinEvents++
		case protocol.ChangeError, protocol.HopperError:
			t.Errorf("unexpected error: %+v", data)
		}
		if publisher.Retained[i] {
			retained++
			if msg.Source != protocol.TargetSystem || msg.Type != protocol.KindStatus {
				t.Errorf("only System status may be retained, got %s/%s", msg.Source, msg.Type)
			}
		}
	}
	if coinEvents != 1 {
		t.Errorf("coin events: got %d, want 1", coinEvents)
	}
	if retained == 0 {
		t.Error("expected the startup System status to be retained")
	}
	if done == nil {
		t.Fatal("no change_done event published")
	}
	if done.Dispensed != 16 || done.Counts["10"] != 1 || done.Counts["5"] != 1 || done.Counts["1"] != 1 {
		t.Errorf("change_done: got %+v", *done)
	}

	for i, payload := range publisher.Payloads {
		var parsed map[string]any
		if err := json.Unmarshal(payload, &parsed); err != nil {
			t.Errorf("payload %d: invalid JSON: %v", i, err)
		}
		if parsed["v"] != float64(protocol.Version) {
			t.Errorf("payload %d: version %v", i, parsed["v"])
		}
	}

	snap := tracker.Snapshot()
	if snap.Machine.Change.Active {
		t.Error("tracker should show the change plan finished")
	}
	for _, h := range snap.Machine.Hoppers {
		if h.Relay {
			t.Errorf("%s relay still on", h.Name)
		}
	}
	if snap.Counts.Acks != 1 || snap.Counts.Errors != 0 {
		t.Errorf("counts: got %+v", snap.Counts)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(status.FormatJSON(snap), &sj); err != nil {
		t.Fatalf("status JSON: %v", err)
	}
	if sj.Status.BootID != "boot-7" || !sj.Status.MQTT.Enabled {
		t.Errorf("status JSON: got %+v", sj.Status)
	}
}

// TestIntegrationShutdownStopsEverything checks that a shutdown mid-payout
// releases every output and ends with the shutdown event.
func TestIntegrationShutdownStopsEverything(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pins := gpio.NewFakePins()
	m, err := machine.New(config.Default(), pins, "boot-8", start, nil)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	publisher := mqtt.NewFakePublisher("vendcore", nil)

	m.Step(start)
	if reply := m.HandleLine("HOPPER 10 3", start); reply.Type != protocol.KindAck {
		t.Fatalf("HOPPER reply: got %+v", reply)
	}
	if !pins.Outputs[6].Active() {
		t.Fatal("hopper10 actuator should be energized")
	}

	for _, msg := range m.Shutdown(start.Add(100 * time.Millisecond)) {
		publisher.Publish(msg)
	}

	for pin, out := range pins.Outputs {
		if out.Active() {
			t.Errorf("output %d still active after shutdown", pin)
		}
	}
	if pins.Edges[2].Attached() {
		t.Error("coin slot still attached")
	}
	last := publisher.Messages[len(publisher.Messages)-1]
	if ev, ok := last.Data.(protocol.SystemEvent); !ok || ev.Event != protocol.EventShutdown {
		t.Errorf("last message: got %+v, want shutdown event", last.Data)
	}
	if publisher.Topics[len(publisher.Topics)-1] != "vendcore/system/event" {
		t.Errorf("shutdown topic: got %q", publisher.Topics[len(publisher.Topics)-1])
	}
}
