// Package relationship implements the relationship engine: the command
// executor that feeds session events to the decision authority and applies
// the key-rotation commands it returns.
package relationship

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/instrument"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
)

// MaxCommands bounds a single command loop.
const MaxCommands = 4096

var (
	ErrClosed            = errors.New("relationship: closed")
	ErrInvalidConfig     = errors.New("relationship: invalid configuration")
	ErrBadCommand        = errors.New("relationship: malformed authority command")
	ErrRunaway           = errors.New("relationship: command loop did not return")
	ErrWrongRelationship = errors.New("relationship: frame belongs to another relationship")
)

// InitError is returned by New when the decision authority refuses the
// configuration.
type InitError struct {
	Status protocol.Status
}

func (e *InitError) Error() string {
	return fmt.Sprintf("relationship: authority init failed: %s", e.Status)
}

// Config carries everything needed to bring up an Engine.
type Config struct {
	ID            uint16
	Codec         *frame.Codec
	Authority     protocol.Authority
	Configuration *protocol.Configuration
	KeySize       int
	// Keys seeds the key store; it must hold exactly key.Slots entries and
	// nil entries leave a slot empty.
	Keys []*key.Key
	Log  *logging.Logger
	// OnTimeout, if set, is called after every timer-driven pass, outside
	// the engine lock.
	OnTimeout func(r *Result, err error)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Result is the outcome of one command loop.
type Result struct {
	Status protocol.Status
	// Frame is the decrypted frame for ProcessFrame, nil when no key opened it.
	Frame *frame.Decrypted
	// ConfigurationChanged reports that the loop moved the outgoing event
	// from a positive code back to RECV_SE and a snapshot is due.
	ConfigurationChanged bool
}

// Engine is the per-relationship state machine. All state is guarded by the
// embedded mutex; at most one command loop runs at a time.
type Engine struct {
	sync.Mutex

	id        uint16
	codec     *frame.Codec
	auth      protocol.Authority
	handle    protocol.Handle
	keys      *key.Store
	sendEvent *protocol.Event
	changed   bool

	timer     *time.Timer
	timerGen  uint64
	onTimeout func(*Result, error)

	closed bool
	log    *logging.Logger
	now    func() time.Time
}

// New initializes the decision authority for cfg and runs the first command
// loop. A non-success status from either step frees the authority handle and
// is returned as *InitError.
func New(cfg *Config) (*Engine, error) {
	if cfg.Codec == nil || cfg.Authority == nil {
		panic("relationship: nil codec or authority")
	}
	if cfg.Configuration == nil {
		return nil, fmt.Errorf("%w: missing authority configuration", ErrInvalidConfig)
	}
	if len(cfg.Keys) != key.Slots {
		return nil, fmt.Errorf("%w: need %d initial keys, got %d", ErrInvalidConfig, key.Slots, len(cfg.Keys))
	}
	if cfg.KeySize <= 0 {
		return nil, fmt.Errorf("%w: key size %d", ErrInvalidConfig, cfg.KeySize)
	}

	e := &Engine{
		id:        cfg.ID,
		codec:     cfg.Codec,
		auth:      cfg.Authority,
		keys:      key.NewStore(cfg.KeySize),
		onTimeout: cfg.OnTimeout,
		log:       cfg.Log,
		now:       cfg.Now,
	}
	if e.log == nil {
		e.log = logging.MustGetLogger(fmt.Sprintf("relationship/%d", cfg.ID))
	}
	if e.now == nil {
		e.now = time.Now
	}
	for i, k := range cfg.Keys {
		if err := e.keys.SetKey(i, k); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrInvalidConfig, i, err)
		}
	}

	e.Lock()
	defer e.Unlock()

	status, h := e.auth.Init(cfg.Configuration.Clone())
	e.handle = h
	if status != protocol.StatusSuccess {
		e.free()
		return nil, &InitError{Status: status}
	}
	r, err := e.run(&pass{event: protocol.EventNone})
	if err != nil {
		e.free()
		return nil, err
	}
	if r.Status != protocol.StatusSuccess {
		e.free()
		return nil, &InitError{Status: r.Status}
	}
	e.log.Noticef("Relationship %d initialized.", e.id)
	return e, nil
}

func (e *Engine) ID() uint16 { return e.id }

func (e *Engine) Codec() *frame.Codec { return e.codec }

// pass is the transient state of one command loop.
type pass struct {
	event  protocol.Event
	source []byte
	frame  *frame.Encrypted
	dec    *frame.Decrypted
}

func (p *pass) setDecrypted(d *frame.Decrypted) {
	p.dec = d
	if d == nil {
		p.event = protocol.EventCannotDecrypt
		p.source = nil
		return
	}
	p.event = d.Event()
	p.source = d.SourceAddress()
}

// run executes the command loop. Caller holds the lock.
func (e *Engine) run(p *pass) (*Result, error) {
	e.changed = false
	for i := 0; i < MaxCommands; i++ {
		req := &protocol.Request{
			Handle: e.handle,
			Event:  p.event,
			TimeMs: e.now().UnixMilli(),
		}
		if p.source != nil {
			req.Source = append([]byte(nil), p.source...)
		}
		instrument.Event(e.id, p.event)

		cmd := e.auth.Process(req)
		instrument.Command(e.id, cmd.Opcode)
		if e.log.IsEnabledFor(logging.DEBUG) {
			e.log.Debugf("%s -> %s", p.event, cmd)
		}

		if cmd.Opcode == protocol.OpReturn {
			return &Result{
				Status:               protocol.Status(cmd.P1),
				Frame:                p.dec,
				ConfigurationChanged: e.changed,
			}, nil
		}
		if err := e.apply(p, cmd); err != nil {
			e.log.Errorf("Authority issued %s: %v", cmd, err)
			return nil, err
		}
	}
	return nil, ErrRunaway
}

func badSlot(cmd protocol.Command, slots ...int) error {
	for _, s := range slots {
		if !key.ValidSlot(s) {
			return fmt.Errorf("%w: %s slot %d out of range", ErrBadCommand, cmd.Opcode, s)
		}
	}
	return nil
}

func (e *Engine) apply(p *pass, cmd protocol.Command) error {
	switch cmd.Opcode {
	case protocol.OpSetSendEvent:
		if cmd.P1 == 0 {
			e.sendEvent = nil
			return nil
		}
		prev := protocol.EventNone
		if e.sendEvent != nil {
			prev = *e.sendEvent
		}
		next := protocol.Event(cmd.P2)
		if prev > 0 && next == protocol.EventRecvSE {
			e.changed = true
		}
		e.sendEvent = &next
	case protocol.OpSetKey:
		if err := badSlot(cmd, cmd.P1); err != nil {
			return err
		}
		if err := e.keys.Set(cmd.P1, cmd.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		e.log.Debugf("Slot %d <- %s", cmd.P1, e.keys.Slot(cmd.P1).Fingerprint())
	case protocol.OpResetKey:
		if err := badSlot(cmd, cmd.P1); err != nil {
			return err
		}
		e.keys.Reset(cmd.P1)
	case protocol.OpMoveKey:
		if err := badSlot(cmd, cmd.P1, cmd.P2); err != nil {
			return err
		}
		e.keys.Move(cmd.P1, cmd.P2)
	case protocol.OpUseKeys:
		if err := badSlot(cmd, cmd.P1, cmd.P2); err != nil {
			return err
		}
		e.keys.Use(cmd.P1, cmd.P2)
	case protocol.OpRetryDec:
		if err := badSlot(cmd, cmd.P1); err != nil {
			return err
		}
		if p.frame == nil {
			p.setDecrypted(nil)
			return nil
		}
		d, err := p.frame.Decrypt(e.keys.Slot(cmd.P1))
		if err != nil {
			instrument.DecryptFailure(e.id)
		}
		p.setDecrypted(d)
	case protocol.OpSetTimer:
		at, err := cmd.Deadline()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		e.armTimer(at)
	case protocol.OpResetTimer:
		e.stopTimer()
	default:
		return fmt.Errorf("%w: unknown opcode %d", ErrBadCommand, uint8(cmd.Opcode))
	}
	return nil
}

// ProcessFrame decrypts enc with the active decrypt key and runs the
// command loop on the resulting event. A frame no key could open is fed to
// the authority as CANNOT_DECRYPT and reported with a nil Result.Frame.
func (e *Engine) ProcessFrame(enc *frame.Encrypted) (*Result, error) {
	if enc.RelationshipID() != e.id {
		return nil, fmt.Errorf("%w: %d", ErrWrongRelationship, enc.RelationshipID())
	}

	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	p := &pass{frame: enc}
	d, err := enc.Decrypt(e.keys.DecryptKey())
	if err != nil {
		instrument.DecryptFailure(e.id)
	}
	p.setDecrypted(d)
	return e.run(p)
}

// PrepareFrame stamps dec with forced, or with the current outgoing event
// when forced is nil, and encrypts it with the active encrypt key.
func (e *Engine) PrepareFrame(dec *frame.Decrypted, forced *protocol.Event) (*frame.Encrypted, error) {
	if dec.RelationshipID() != e.id {
		return nil, fmt.Errorf("%w: %d", ErrWrongRelationship, dec.RelationshipID())
	}

	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	ev := protocol.EventNone
	switch {
	case forced != nil:
		ev = *forced
	case e.sendEvent != nil:
		ev = *e.sendEvent
	}
	dec.SetEvent(ev)
	return dec.Encrypt(e.keys.EncryptKey())
}

// ForceLocalReinit asks the authority for a new session independent of any
// network input.
func (e *Engine) ForceLocalReinit() (*Result, error) {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.run(&pass{event: protocol.EventLocalSEI})
}

// SendEvent returns the current outgoing event, or EventNone.
func (e *Engine) SendEvent() protocol.Event {
	e.Lock()
	defer e.Unlock()
	if e.sendEvent == nil {
		return protocol.EventNone
	}
	return *e.sendEvent
}

// ConfigurationChanged reports the flag raised by the most recent loop.
func (e *Engine) ConfigurationChanged() bool {
	e.Lock()
	defer e.Unlock()
	return e.changed
}

// State is a point-in-time copy of an engine's keys and authority
// configuration.
type State struct {
	ID            uint16
	Keys          [key.Slots]*key.Key
	Encrypt       int
	Decrypt       int
	Configuration *protocol.Configuration
}

// Snapshot captures the current keys and the authority's view of the
// configuration.
func (e *Engine) Snapshot() (*State, error) {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	cfg, err := e.auth.Config(e.handle)
	if err != nil {
		return nil, err
	}
	s := &State{ID: e.id, Keys: e.keys.Keys(), Configuration: cfg}
	s.Encrypt, s.Decrypt = e.keys.Active()
	return s, nil
}

// Close cancels the timer and releases the authority handle. Every later
// call returns ErrClosed.
func (e *Engine) Close() {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return
	}
	e.free()
	e.log.Noticef("Relationship %d closed.", e.id)
}

// free is called with the lock held.
func (e *Engine) free() {
	e.closed = true
	e.stopTimer()
	e.auth.Free(e.handle)
	e.handle = 0
}
