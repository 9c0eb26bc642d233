package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr bool
	}{
		{
			name: "identification",
			line: "CARD_DATA:RAB123A,1000,04A1B2C3",
			want: Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1B2C3"},
		},
		{
			name: "identification_extra_fields_ignored",
			line: "CARD_DATA:RAB123A,1000,04A1B2C3,firmware-2.1,extra",
			want: Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1B2C3"},
		},
		{
			name: "identification_whitespace_trimmed",
			line: "CARD_DATA: RAB123A , 250 , 04A1B2C3",
			want: Identification{Plate: "RAB123A", Balance: 250, DeviceID: "04A1B2C3"},
		},
		{
			name:    "identification_too_few_fields",
			line:    "CARD_DATA:RAB123A,1000",
			wantErr: true,
		},
		{
			name:    "identification_bad_balance",
			line:    "CARD_DATA:RAB123A,lots,04A1B2C3",
			wantErr: true,
		},
		{
			name: "payment_success",
			line: "PAYMENT:SUCCESS",
			want: Confirmation{Success: true},
		},
		{
			name: "payment_failure_with_reason",
			line: "PAYMENT:INSUFFICIENT_FUNDS",
			want: Confirmation{Reason: "INSUFFICIENT_FUNDS"},
		},
		{
			name:    "unknown_tag",
			line:    "HELLO:WORLD",
			wantErr: true,
		},
		{
			name:    "empty_line",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundCommands(t *testing.T) {
	assert.Equal(t, "LOW_BALANCE:150", LowBalanceCommand(150))
	assert.Equal(t, "DEDUCT:400", DeductCommand(400))
	assert.Equal(t, "CANCEL", CancelCommand)
}
