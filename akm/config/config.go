// Package config provides the AKM node configuration.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TheusHen/AKM/akm/content"
	"github.com/TheusHen/AKM/akm/crypto"
	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/snapshot"
)

const (
	defaultListen    = "127.0.0.1:7800"
	defaultLogLevel  = "NOTICE"
	defaultKeySize   = 32
	defaultTransport = TransportTCP
	defaultSnapshots = "snapshots.db"

	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Node is the local node configuration.
type Node struct {
	// Listen is the address the receiver server binds to.
	Listen string

	// Transport is "tcp" or "quic".
	Transport string

	// MetricsAddress, if set, serves Prometheus metrics over HTTP.
	MetricsAddress string

	// DataDir is where configuration snapshots are stored. An empty
	// DataDir disables snapshots. A relative path is resolved against the
	// configuration file's directory.
	DataDir string

	// MaxMessageSize bounds the payload length accepted from peers.
	MaxMessageSize int64
}

func (nCfg *Node) applyDefaults() {
	if nCfg.Listen == "" {
		nCfg.Listen = defaultListen
	}
	if nCfg.Transport == "" {
		nCfg.Transport = defaultTransport
	}
	if nCfg.MaxMessageSize == 0 {
		nCfg.MaxMessageSize = frame.MaxMessageSize
	}
}

func (nCfg *Node) validate() error {
	if _, _, err := net.SplitHostPort(nCfg.Listen); err != nil {
		return fmt.Errorf("config: Node: Listen '%v' is invalid: %v", nCfg.Listen, err)
	}
	switch nCfg.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("config: Node: Transport '%v' is invalid", nCfg.Transport)
	}
	if nCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(nCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Node: MetricsAddress '%v' is invalid: %v", nCfg.MetricsAddress, err)
		}
	}
	if nCfg.MaxMessageSize < 0 {
		return errors.New("config: Node: MaxMessageSize is negative")
	}
	return nil
}

// SnapshotPath returns the snapshot database path, or "" when snapshots
// are disabled.
func (nCfg *Node) SnapshotPath() string {
	if nCfg.DataDir == "" {
		return ""
	}
	return filepath.Join(nCfg.DataDir, defaultSnapshots)
}

// Peer is another node of a relationship.
type Peer struct {
	// Address is the peer's node address.
	Address uint64

	// Endpoint is the peer's receiver, as ip:port.
	Endpoint string

	// Transport overrides the node transport for this peer.
	Transport string
}

// TransportOr returns the peer's transport, or def when none is set.
func (p *Peer) TransportOr(def string) string {
	if p.Transport == "" {
		return def
	}
	return p.Transport
}

// AddrPort parses Endpoint.
func (p *Peer) AddrPort() (netip.AddrPort, error) {
	return netip.ParseAddrPort(p.Endpoint)
}

// Relationship is the configuration of one secure relationship.
type Relationship struct {
	// ID is the relationship identifier carried on the wire.
	ID uint16

	// SelfAddress is this node's address within the relationship.
	SelfAddress uint64

	// KeySize is the slot key length in bytes.
	KeySize int

	// Crypto selects the cipher provider, "cbc" or "aead".
	Crypto string

	// Compression selects the content codec, "" or "lz4".
	Compression string

	// CompressionLevel is "fast", "default" or "best".
	CompressionLevel string

	// Schema overrides the default frame layout.
	Schema *frame.Schema

	// Params are the authority parameters.
	Params protocol.Params

	// PDV is the base64 encoded 128-byte parameter data vector.
	PDV string

	// InitialKeys are four base64 slot keys. An empty entry leaves the
	// slot empty. When omitted, keys are derived from the PDV.
	InitialKeys []string

	// Peer lists the other nodes of the relationship.
	Peer []*Peer
}

// DefaultPDV returns the static PDV used when none is configured.
func DefaultPDV() []byte {
	pdv := make([]byte, protocol.PDVSize)
	for i := range pdv {
		pdv[i] = byte(i)
	}
	return pdv
}

func (rCfg *Relationship) applyDefaults() {
	if rCfg.KeySize == 0 {
		rCfg.KeySize = defaultKeySize
	}
	if rCfg.Schema == nil {
		s := frame.DefaultSchema()
		rCfg.Schema = &s
	}
	if rCfg.PDV == "" {
		rCfg.PDV = base64.StdEncoding.EncodeToString(DefaultPDV())
	}
	if rCfg.Params.SK == 0 {
		rCfg.Params.SK = uint8(rCfg.KeySize)
	}
	if rCfg.Params.SRNA == 0 {
		rCfg.Params.SRNA = uint8(rCfg.Schema.AddressSize())
	}
	if rCfg.Params.N == 0 {
		rCfg.Params.N = uint16(len(rCfg.Nodes()))
	}
}

func (rCfg *Relationship) validate() error {
	if rCfg.KeySize != defaultKeySize {
		return fmt.Errorf("config: Relationship %d: KeySize %d is unsupported", rCfg.ID, rCfg.KeySize)
	}
	if int(rCfg.Params.SK) != rCfg.KeySize {
		return fmt.Errorf("config: Relationship %d: Params.SK %d does not match KeySize", rCfg.ID, rCfg.Params.SK)
	}
	if _, err := crypto.ByName(rCfg.Crypto); err != nil {
		return fmt.Errorf("config: Relationship %d: %v", rCfg.ID, err)
	}
	if _, err := content.ByName(rCfg.Compression, rCfg.CompressionLevel); err != nil {
		return fmt.Errorf("config: Relationship %d: %v", rCfg.ID, err)
	}
	if err := rCfg.Schema.Validate(); err != nil {
		return fmt.Errorf("config: Relationship %d: %v", rCfg.ID, err)
	}
	size := rCfg.Schema.AddressSize()
	if int(rCfg.Params.SRNA) != size {
		return fmt.Errorf("config: Relationship %d: Params.SRNA %d does not match the schema address size", rCfg.ID, rCfg.Params.SRNA)
	}
	if _, err := rCfg.PDVBytes(); err != nil {
		return fmt.Errorf("config: Relationship %d: %v", rCfg.ID, err)
	}
	if n := len(rCfg.InitialKeys); n != 0 && n != key.Slots {
		return fmt.Errorf("config: Relationship %d: InitialKeys must hold 0 or %d keys, got %d", rCfg.ID, key.Slots, n)
	}
	if _, err := rCfg.Keys(); err != nil {
		return fmt.Errorf("config: Relationship %d: %v", rCfg.ID, err)
	}

	if !fitsAddress(rCfg.SelfAddress, size) {
		return fmt.Errorf("config: Relationship %d: SelfAddress %d does not fit in %d bytes", rCfg.ID, rCfg.SelfAddress, size)
	}
	seen := map[uint64]bool{rCfg.SelfAddress: true}
	for _, p := range rCfg.Peer {
		if seen[p.Address] {
			return fmt.Errorf("config: Relationship %d: duplicate node address %d", rCfg.ID, p.Address)
		}
		seen[p.Address] = true
		if !fitsAddress(p.Address, size) {
			return fmt.Errorf("config: Relationship %d: Peer %d does not fit in %d bytes", rCfg.ID, p.Address, size)
		}
		switch p.Transport {
		case "", TransportTCP, TransportQUIC:
		default:
			return fmt.Errorf("config: Relationship %d: Peer %d: Transport '%v' is invalid", rCfg.ID, p.Address, p.Transport)
		}
		if _, err := p.AddrPort(); err != nil {
			return fmt.Errorf("config: Relationship %d: Peer %d: Endpoint '%v' is invalid: %v", rCfg.ID, p.Address, p.Endpoint, err)
		}
	}
	return nil
}

func fitsAddress(a uint64, size int) bool {
	return size >= 8 || a < 1<<(8*size)
}

// PDVBytes decodes the PDV.
func (rCfg *Relationship) PDVBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(rCfg.PDV)
	if err != nil {
		return nil, fmt.Errorf("PDV: %v", err)
	}
	if len(b) != protocol.PDVSize {
		return nil, fmt.Errorf("PDV must be %d bytes, got %d", protocol.PDVSize, len(b))
	}
	return b, nil
}

// Nodes returns the sorted roster, self included.
func (rCfg *Relationship) Nodes() []uint64 {
	nodes := []uint64{rCfg.SelfAddress}
	for _, p := range rCfg.Peer {
		nodes = append(nodes, p.Address)
	}
	slices.Sort(nodes)
	return slices.Compact(nodes)
}

// Keys returns the initial slot keys, derived from the PDV when none are
// configured.
func (rCfg *Relationship) Keys() ([]*key.Key, error) {
	keys := make([]*key.Key, key.Slots)
	if len(rCfg.InitialKeys) == 0 {
		pdv, err := rCfg.PDVBytes()
		if err != nil {
			return nil, err
		}
		raw, err := crypto.DeriveSlotKeys(pdv, rCfg.ID, key.Slots, rCfg.KeySize)
		if err != nil {
			return nil, err
		}
		for i, b := range raw {
			if keys[i], err = key.FromBytes(b, rCfg.KeySize); err != nil {
				return nil, err
			}
		}
		return keys, nil
	}

	empty := true
	for i, s := range rCfg.InitialKeys {
		if s == "" {
			continue
		}
		k, err := key.FromBase64(s, rCfg.KeySize)
		if err != nil {
			return nil, fmt.Errorf("InitialKeys[%d]: %v", i, err)
		}
		keys[i] = k
		empty = false
	}
	if empty {
		return nil, errors.New("InitialKeys holds no key")
	}
	return keys, nil
}

// Configuration builds the authority configuration.
func (rCfg *Relationship) Configuration() (*protocol.Configuration, error) {
	pdv, err := rCfg.PDVBytes()
	if err != nil {
		return nil, err
	}
	return &protocol.Configuration{
		Params: rCfg.Params,
		PDV:    pdv,
		Nodes:  rCfg.Nodes(),
		Self:   rCfg.SelfAddress,
	}, nil
}

// Codec builds the frame codec.
func (rCfg *Relationship) Codec() (*frame.Codec, error) {
	p, err := crypto.ByName(rCfg.Crypto)
	if err != nil {
		return nil, err
	}
	return frame.NewCodec(*rCfg.Schema, p)
}

// Content builds the content codec, nil when compression is off.
func (rCfg *Relationship) Content() (*content.Codec, error) {
	return content.ByName(rCfg.Compression, rCfg.CompressionLevel)
}

// Overlay replaces the parameters, PDV and keys with those of a stored
// snapshot.
func (rCfg *Relationship) Overlay(r *snapshot.Record) error {
	if r.RelationshipID != rCfg.ID || r.Self != rCfg.SelfAddress {
		return fmt.Errorf("config: snapshot is for relationship %d node %d", r.RelationshipID, r.Self)
	}
	if len(r.PDV) != protocol.PDVSize {
		return fmt.Errorf("config: snapshot PDV is %d bytes", len(r.PDV))
	}
	if _, err := r.SlotKeys(rCfg.KeySize); err != nil {
		return err
	}
	rCfg.Params = r.Params
	rCfg.PDV = base64.StdEncoding.EncodeToString(r.PDV)
	rCfg.InitialKeys = slices.Clone(r.Keys)
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// ForceFileConfig ignores stored snapshots and always starts from the
	// configuration file.
	ForceFileConfig bool
}

// Config is the top level AKM node configuration.
type Config struct {
	Logging      *Logging
	Node         *Node
	Relationship []*Relationship
	Debug        *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Node == nil {
		cfg.Node = &Node{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if len(cfg.Relationship) == 0 {
		return errors.New("config: No Relationship block was present")
	}

	cfg.Node.applyDefaults()
	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	ids := make(map[uint16]bool)
	for _, r := range cfg.Relationship {
		if r == nil {
			return errors.New("config: empty Relationship block")
		}
		if ids[r.ID] {
			return fmt.Errorf("config: duplicate Relationship %d", r.ID)
		}
		ids[r.ID] = true
		r.applyDefaults()
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Store writes a config to fileName on disk.
func Store(cfg *Config, fileName string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(fileName, buf.Bytes(), 0600)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config. A relative Node.DataDir is taken relative to the file's directory.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(b)
	if err != nil {
		return nil, err
	}
	if dir := cfg.Node.DataDir; dir != "" && !filepath.IsAbs(dir) {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, err
		}
		cfg.Node.DataDir = filepath.Join(filepath.Dir(abs), dir)
	}
	return cfg, nil
}
