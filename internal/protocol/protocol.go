package protocol

const Version = "1.0"

// Type is the first byte of every frame on the wire.
type Type uint8

// Message types.
const (
	TypeHello   Type = 1
	TypeWelcome Type = 2
	TypeInput   Type = 3
	TypeState   Type = 4
	TypeError   Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeInput:
		return "INPUT"
	case TypeState:
		return "STATE"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool { return t >= TypeHello && t <= TypeError }
