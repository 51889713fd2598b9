package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrTimestamp = errors.New("protocol: SET_TIMER data is not an 8-byte timestamp")

// Command is one instruction returned by the decision authority.
type Command struct {
	Opcode Opcode
	P1     int
	P2     int
	Data   []byte
}

func (c Command) String() string {
	if len(c.Data) == 0 {
		return fmt.Sprintf("%s(%d, %d)", c.Opcode, c.P1, c.P2)
	}
	return fmt.Sprintf("%s(%d, %d, %d bytes)", c.Opcode, c.P1, c.P2, len(c.Data))
}

// Deadline decodes the absolute unix-millisecond deadline carried by a
// SET_TIMER command.
func (c Command) Deadline() (time.Time, error) {
	if len(c.Data) != 8 {
		return time.Time{}, ErrTimestamp
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(c.Data))), nil
}

func Return(s Status) Command { return Command{Opcode: OpReturn, P1: int(s)} }

// SetSendEvent sets the outgoing event; ClearSendEvent clears it.
func SetSendEvent(e Event) Command {
	return Command{Opcode: OpSetSendEvent, P1: 1, P2: int(e)}
}

func ClearSendEvent() Command { return Command{Opcode: OpSetSendEvent} }

func SetKey(slot int, key []byte) Command {
	return Command{Opcode: OpSetKey, P1: slot, Data: key}
}

func ResetKey(slot int) Command { return Command{Opcode: OpResetKey, P1: slot} }

func MoveKey(src, dst int) Command { return Command{Opcode: OpMoveKey, P1: src, P2: dst} }

// UseKeys selects the active slots: P1 encrypts, P2 decrypts.
func UseKeys(enc, dec int) Command { return Command{Opcode: OpUseKeys, P1: enc, P2: dec} }

func RetryDec(slot int) Command { return Command{Opcode: OpRetryDec, P1: slot} }

func SetTimer(at time.Time) Command {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(at.UnixMilli()))
	return Command{Opcode: OpSetTimer, Data: data}
}

func ResetTimer() Command { return Command{Opcode: OpResetTimer} }
