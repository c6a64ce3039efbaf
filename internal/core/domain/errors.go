package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrAlreadyConnected    = errors.New("peer already connected or negotiating")
	ErrNotConnected        = errors.New("peer not connected")
	ErrSessionNotFound     = errors.New("negotiation session not found")
	ErrStaleDescription    = errors.New("session description does not match negotiation state")
	ErrUnknownEnvelope     = errors.New("unknown envelope type")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrChannelClosed       = errors.New("signaling channel closed")
	ErrSendQueueFull       = errors.New("signaling send queue full")
	ErrReleased            = errors.New("coordinator released")
	ErrDescriptorNotCached = errors.New("no cached descriptor for peer")
)
