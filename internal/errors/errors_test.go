package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDerivesKind(t *testing.T) {
	tests := []struct {
		code Code
		want Kind
	}{
		{CodeInvalidAmount, KindInvalid},
		{CodeUnknownTarget, KindInvalid},
		{CodeBusy, KindBusy},
		{CodeTimeout, KindTimeout},
		{CodePaperOutDuringCycle, KindTimeout},
		{Code("never_defined"), KindInvalid},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "").Kind)
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "busy", New(CodeBusy, "").Error())
	assert.Equal(t, "busy: hopper5 is busy", Busy("hopper5").Error())
	assert.Equal(t, "invalid_amount: n=-3", Newf(CodeInvalidAmount, "n=%d", -3).Error())
}

func TestMatchingThroughWrap(t *testing.T) {
	err := fmt.Errorf("dispense: %w", MissingParameter("value"))

	assert.True(t, IsCode(err, CodeMissingParameter))
	assert.False(t, IsCode(err, CodeBusy))
	assert.True(t, IsKind(err, KindInvalid))
	assert.Equal(t, CodeMissingParameter, CodeOf(err))

	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "value is required", e.Detail)
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInvalidRequest, CodeOf(fmt.Errorf("boom")))
	assert.False(t, IsKind(nil, KindBusy))
}
