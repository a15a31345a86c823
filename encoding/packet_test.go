package encoding

import "testing"

func TestQoS_IsValid(t *testing.T) {
	tests := []struct {
		qos  QoS
		want bool
	}{
		{QoS0, true},
		{QoS1, true},
		{QoS2, true},
		{QoS(3), false},
		{QoS(255), false},
	}
	for _, tt := range tests {
		if got := tt.qos.IsValid(); got != tt.want {
			t.Errorf("QoS(%d).IsValid() = %v, want %v", tt.qos, got, tt.want)
		}
	}
}

func TestQoS_String(t *testing.T) {
	tests := []struct {
		qos  QoS
		want string
	}{
		{QoS0, "QoS0"},
		{QoS1, "QoS1"},
		{QoS2, "QoS2"},
		{QoS(9), "INVALID"},
	}
	for _, tt := range tests {
		if got := tt.qos.String(); got != tt.want {
			t.Errorf("QoS(%d).String() = %q, want %q", tt.qos, got, tt.want)
		}
	}
}

func TestPacketType_String(t *testing.T) {
	tests := []struct {
		pt   PacketType
		want string
	}{
		{CONNECT, "CONNECT"},
		{PUBLISH, "PUBLISH"},
		{PUBACK, "PUBACK"},
		{PUBREC, "PUBREC"},
		{PUBREL, "PUBREL"},
		{PUBCOMP, "PUBCOMP"},
		{DISCONNECT, "DISCONNECT"},
		{AUTH, "AUTH"},
		{PacketType(255), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.pt.String(); got != tt.want {
			t.Errorf("PacketType(%d).String() = %q, want %q", tt.pt, got, tt.want)
		}
	}
}
