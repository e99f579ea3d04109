package lib

import "errors"

var (
	ErrPayloadTooLarge = errors.New("payload exceeds 64 bytes")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrNoData          = errors.New("no data before timeout")
	ErrNoConnection    = errors.New("no connection for peer")
	ErrSendTimedOut    = errors.New("retransmission limit reached")
	ErrCloseTimedOut   = errors.New("no FIN-ACK before retry limit")
	ErrNodeClosed      = errors.New("node closed")
)
