// Package protocol defines the vocabulary shared by the relationship engine
// and the decision authority: session events, statuses, commands and the
// Authority interface itself.
package protocol

import "fmt"

// Event is a session event code. It travels in a frame's one-byte event field.
type Event int8

const (
	EventNone          Event = -1
	EventRecvSE        Event = 0
	EventRecvSEI       Event = 1
	EventRecvSEC       Event = 2
	EventRecvSEF       Event = 3
	EventCannotDecrypt Event = 4
	EventTimeout       Event = 5
	EventLocalSEI      Event = 6
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRecvSE:
		return "RECV_SE"
	case EventRecvSEI:
		return "RECV_SEI"
	case EventRecvSEC:
		return "RECV_SEC"
	case EventRecvSEF:
		return "RECV_SEF"
	case EventCannotDecrypt:
		return "CANNOT_DECRYPT"
	case EventTimeout:
		return "TIMEOUT"
	case EventLocalSEI:
		return "LOCAL_SEI"
	default:
		return fmt.Sprintf("EVENT(%d)", int8(e))
	}
}

// EventPtr returns a pointer to e, for optional event arguments.
func EventPtr(e Event) *Event { return &e }

// Status is the terminal result of a command loop.
type Status int

const (
	StatusSuccess       Status = 0
	StatusNoMemory      Status = 1
	StatusUnknownSource Status = 2
	StatusFatalError    Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNoMemory:
		return "NO_MEMORY"
	case StatusUnknownSource:
		return "UNKNOWN_SOURCE"
	case StatusFatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Opcode selects the operation carried by a Command.
type Opcode uint8

const (
	OpReturn       Opcode = 0
	OpSetSendEvent Opcode = 1
	OpSetKey       Opcode = 2
	OpResetKey     Opcode = 3
	OpMoveKey      Opcode = 4
	OpUseKeys      Opcode = 5
	OpRetryDec     Opcode = 6
	OpSetTimer     Opcode = 7
	OpResetTimer   Opcode = 8
)

func (o Opcode) String() string {
	switch o {
	case OpReturn:
		return "RETURN"
	case OpSetSendEvent:
		return "SET_SEND_EVENT"
	case OpSetKey:
		return "SET_KEY"
	case OpResetKey:
		return "RESET_KEY"
	case OpMoveKey:
		return "MOVE_KEY"
	case OpUseKeys:
		return "USE_KEYS"
	case OpRetryDec:
		return "RETRY_DEC"
	case OpSetTimer:
		return "SET_TIMER"
	case OpResetTimer:
		return "RESET_TIMER"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint8(o))
	}
}
