package core

import "errors"

var (
	ErrTransport          = errors.New("transport error")
	ErrNotConnected       = errors.New("not connected")
	ErrChannelClosed      = errors.New("channel closed")
	ErrBackpressure       = errors.New("backpressure")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrTokenExpired       = errors.New("credential expired")
)
