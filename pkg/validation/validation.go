package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// PeerIDRegex validates device id format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}
)

// ValidatePeerID validates a device id
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidatePeerName validates a display name. Empty is allowed.
func ValidatePeerName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("peer name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 0, 100, "peer name")
}

// ValidateAddress validates a host:port signaling address
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("address %q has invalid port", addr)
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL
func ValidateICEURL(u string) error {
	for _, scheme := range iceSchemes {
		if strings.HasPrefix(u, scheme) {
			if len(u) == len(scheme) {
				return fmt.Errorf("ICE URL %q has no host", u)
			}
			return nil
		}
	}
	return fmt.Errorf("ICE URL %q must use stun, stuns, turn or turns", u)
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
