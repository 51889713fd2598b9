// Package akm provides a library implementation of AKM secure relationships.
//
// A relationship is a fixed group of nodes that exchange encrypted frames
// and rotate their shared keys under the direction of a decision authority.
// The Node type ties together the relationship engines, the frame transport,
// the per-peer sender registry and the configuration snapshot store.
package akm
