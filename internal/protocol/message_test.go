package protocol

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestEncodeGolden(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "ack",
			msg: NewMessage(TargetHopper, KindAck, 1234,
				Command{Target: TargetHopper, Cmd: CmdDispense, Name: "5"}.WithValue(3).Ack("")),
		},
		{
			name: "error_busy",
			msg: NewMessage(TargetHopper, KindError, 10, ErrorPayload{
				Action: CmdDispense, Error: "busy", Details: "hopper5 is busy", Name: "5",
			}),
		},
		{
			name: "coin_inserted",
			msg:  NewMessage(TargetCoinSlot, KindEvent, 2500, CoinInserted{CoinValue: 10, TotalValue: 11}),
		},
		{
			name: "hopper_timeout",
			msg: NewMessage(TargetHopper, KindError, 9000, HopperError{
				Name: "hopper5", Denomination: 5, Error: "timeout", Final: 2, Target: 3,
			}),
		},
		{
			name: "change_done",
			msg: NewMessage(TargetChange, KindEvent, 42000, ChangeEvent{
				Event: EventChangeDone, Amount: 37, Dispensed: 37,
				Counts: map[string]int{"10": 3, "5": 1, "1": 2},
			}),
		},
		{
			name: "paper_status",
			msg: NewMessage(TargetPaper, KindStatus, 100, PaperStatus{
				Name: "short", Status: "feeding", Current: 1, Total: 3,
				PaperPresent: true, StepsPerSheet: 1900,
			}),
		},
		{
			name: "paper_out",
			msg: NewMessage(TargetPaper, KindError, 10000, PaperError{
				Name: "short", Error: "paper_out", Details: "limit switch not reached", Total: 2,
			}),
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)
			g.Assert(t, tt.name, b)
		})
	}
}

func TestEncodeUnsupportedPayload(t *testing.T) {
	_, err := Encode(NewMessage(TargetSystem, KindEvent, 0, make(chan int)))
	require.Error(t, err)
}
