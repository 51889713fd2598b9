package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"

	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
)

// Generate returns one configuration per node of a fresh relationship.
// Node addresses run from 1 to n and node i listens on host:basePort+i-1.
// All nodes share a random PDV and random initial keys.
func Generate(id uint16, n int, host netip.Addr, basePort uint16, transport string) ([]*Config, error) {
	if n < 2 {
		return nil, errors.New("config: a relationship needs at least two nodes")
	}
	if int(basePort)+n-1 > 0xffff {
		return nil, errors.New("config: port range overflows")
	}
	pdv := make([]byte, protocol.PDVSize)
	if _, err := rand.Read(pdv); err != nil {
		return nil, err
	}
	keys := make([]string, key.Slots)
	for i := range keys {
		k, err := key.Generate(defaultKeySize)
		if err != nil {
			return nil, err
		}
		keys[i] = k.Base64()
	}

	endpoint := func(i int) netip.AddrPort {
		return netip.AddrPortFrom(host, basePort+uint16(i-1))
	}
	cfgs := make([]*Config, 0, n)
	for self := 1; self <= n; self++ {
		schema := frame.DefaultSchema()
		r := &Relationship{
			ID:          id,
			SelfAddress: uint64(self),
			KeySize:     defaultKeySize,
			Schema:      &schema,
			PDV:         base64.StdEncoding.EncodeToString(pdv),
			InitialKeys: keys,
		}
		for peer := 1; peer <= n; peer++ {
			if peer == self {
				continue
			}
			r.Peer = append(r.Peer, &Peer{Address: uint64(peer), Endpoint: endpoint(peer).String()})
		}
		cfg := &Config{
			Node: &Node{
				Listen:    endpoint(self).String(),
				Transport: transport,
				DataDir:   fmt.Sprintf("node%d", self),
			},
			Relationship: []*Relationship{r},
		}
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}
