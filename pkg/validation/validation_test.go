package validation

import (
	"strings"
	"testing"
)

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid", "laptop-01", false},
		{"dotted", "phone.home", false},
		{"empty", "", true},
		{"space", "my phone", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerName(t *testing.T) {
	if err := ValidatePeerName(""); err != nil {
		t.Errorf("empty name rejected: %v", err)
	}
	if err := ValidatePeerName("Kitchen tablet"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := ValidatePeerName(strings.Repeat("x", 101)); err == nil {
		t.Error("expected long name to be rejected")
	}
	if err := ValidatePeerName("\xff"); err == nil {
		t.Error("expected invalid UTF-8 to be rejected")
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"ipv4", "192.168.1.20:7946", false},
		{"ipv6", "[fe80::1]:7946", false},
		{"hostname", "phone.local:7946", false},
		{"empty", "", true},
		{"no port", "192.168.1.20", true},
		{"no host", ":7946", true},
		{"port zero", "10.0.0.1:0", true},
		{"port too large", "10.0.0.1:70000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestValidateICEURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"stun:stun.l.google.com:19302", false},
		{"turn:relay.example.com:3478?transport=udp", false},
		{"turns:relay.example.com:5349", false},
		{"http://relay.example.com", true},
		{"turn:", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateICEURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("abc", 1, 3, "field"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 3, "field"); err == nil {
		t.Error("expected too-short error")
	}
	if err := ValidateNonEmptyString("   ", "field"); err == nil {
		t.Error("expected blank string error")
	}
}
