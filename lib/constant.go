package lib

// Connection states
const (
	StateClosed      = iota // not in the connection table
	StateHandshaking        // SYN sent or received, waiting for the final ACK
	StateEstablished
	StateClosing // FIN sent, waiting for FIN-ACK
)

// Flag constants, same bit positions as the TCP flag byte
const (
	FINFlag Flags = 1 << 0
	SYNFlag Flags = 1 << 1
	PSHFlag Flags = 1 << 3
	ACKFlag Flags = 1 << 4
)

const (
	HeaderLength   = 25 // fixed header including the username field
	UsernameLength = 10
	MaxPayloadSize = 64
	MaxFrameLength = HeaderLength + MaxPayloadSize

	checksumOffset = 13
	usernameOffset = 15
)
