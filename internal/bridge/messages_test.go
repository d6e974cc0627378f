package bridge

import (
	"testing"

	"github.com/nerrad567/gray-logic-buspro/internal/buspro"
)

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic   string
		subnet  uint8
		device  uint8
		channel int
		wantErr bool
	}{
		{"buspro/command/1/5/2", 1, 5, 2, false},
		{"buspro/command/255/254/12", 255, 254, 12, false},
		{"buspro/command/1/5/0", 1, 5, 0, false},
		{"buspro/command/1/5", 0, 0, 0, true},
		{"buspro/command/1/5/2/3", 0, 0, 0, true},
		{"buspro/state/1/5/2", 0, 0, 0, true},
		{"other/command/1/5/2", 0, 0, 0, true},
		{"buspro/command/300/5/2", 0, 0, 0, true},
		{"buspro/command/1/300/2", 0, 0, 0, true},
		{"buspro/command/1/5/-1", 0, 0, 0, true},
		{"buspro/command/a/5/2", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			subnet, device, channel, err := parseCommandTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Error("parseCommandTopic() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommandTopic() error: %v", err)
			}
			if subnet != tt.subnet || device != tt.device || channel != tt.channel {
				t.Errorf("parseCommandTopic() = %d.%d.%d, want %d.%d.%d",
					subnet, device, channel, tt.subnet, tt.device, tt.channel)
			}
		})
	}
}

func TestStatusFields(t *testing.T) {
	tests := []struct {
		name   string
		status buspro.Status
		key    string
		want   any
	}{
		{"light", buspro.LightStatus{On: true, Brightness: 80}, "brightness", 80},
		{"cover", buspro.CoverStatus{Position: 50}, "position", 50},
		{"climate", buspro.ClimateStatus{On: true, Temperature: 21.5}, "temperature", 21.5},
		{"sensor", buspro.SensorStatus{Value: 312}, "value", 312},
		{"binary", buspro.BinaryStatus{On: true}, "on", true},
		{"switch", buspro.SwitchStatus{On: false}, "on", false},
		{"raw", buspro.RawStatus{Data: []byte{0xAB, 0xCD}}, "raw", "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := statusFields(tt.status)
			if fields == nil {
				t.Fatal("statusFields() = nil")
			}
			if got := fields[tt.key]; got != tt.want {
				t.Errorf("fields[%q] = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestHistoryFieldsBooleansAreNumeric(t *testing.T) {
	fields := historyFields(buspro.LightStatus{On: true, Brightness: 80})
	if fields == nil {
		t.Fatal("historyFields() = nil")
	}
	if got, ok := fields["on"].(int64); !ok || got != 1 {
		t.Errorf("fields[on] = %v (%T), want int64(1)", fields["on"], fields["on"])
	}
	if got, ok := fields["brightness"].(float64); !ok || got != 80 {
		t.Errorf("fields[brightness] = %v, want 80", fields["brightness"])
	}
}

func TestHistoryFieldsSkipsRaw(t *testing.T) {
	if fields := historyFields(buspro.RawStatus{Data: []byte{1}}); fields != nil {
		t.Errorf("historyFields(raw) = %v, want nil", fields)
	}
}
