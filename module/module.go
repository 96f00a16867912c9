// Package module defines the pluggable capability tuple that sources,
// transforms, logic, and publishers all share, per the Design Notes on
// "Dynamic dispatch over modules": a tagged variant carrying type-specific
// extras, no inheritance required.
package module

import (
	"context"
	"time"
)

// Kind tags which of the four channel roles a module instance fills.
type Kind int

const (
	KindSource Kind = iota
	KindTransform
	KindLogic
	KindPublisher
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindLogic:
		return "logic"
	case KindPublisher:
		return "publisher"
	default:
		return "unknown"
	}
}

// Block is the in-memory stand-in for one generation of a channel's shared
// tabular state. Its concrete representation is out of scope for this
// repository (the serialization format of tabular data belongs to the
// external data space); this repo only needs a product-name-keyed carrier
// to thread through a workflow evaluation.
type Block struct {
	Generation int64
	Products   map[string]any
}

// Clone returns a shallow copy of b, suitable for passing into the next
// module in a workflow without aliasing the caller's map.
func (b *Block) Clone() *Block {
	cp := &Block{Generation: b.Generation, Products: make(map[string]any, len(b.Products))}
	for k, v := range b.Products {
		cp.Products[k] = v
	}
	return cp
}

// Step is the common execution shape of every module: given the current
// data block, produce an updated one.
type Step func(ctx context.Context, in *Block) (*Block, error)

// Module is the capability tuple every pluggable unit implements.
type Module interface {
	// ClassID is the module-class identifier used in SourceIdentity and
	// in workflow-graph node naming.
	ClassID() string
	Kind() Kind
	// Produces is the set of product names this module writes.
	Produces() map[string]struct{}
	// Consumes is the set of product names this module reads. Sources
	// declare an empty set; the workflow validator rejects a channel in
	// which a module consumes a product that nothing produces.
	Consumes() map[string]struct{}
	Step() Step
}

// SourcePeriod is implemented by KindSource modules to declare how often
// they should be invoked.
type SourcePeriod interface {
	Period() time.Duration
}

// Base is an embeddable implementation of Module. Its Step passes the input
// block through unchanged; module types that embed Base supply their own
// Step, which takes precedence over Base's.
type Base struct {
	ID       string
	K        Kind
	Produces_ map[string]struct{}
	Consumes_ map[string]struct{}
}

func (b Base) ClassID() string                { return b.ID }
func (b Base) Kind() Kind                     { return b.K }
func (b Base) Produces() map[string]struct{}  { return b.Produces_ }
func (b Base) Consumes() map[string]struct{}  { return b.Consumes_ }

func (b Base) Step() Step {
	return func(_ context.Context, in *Block) (*Block, error) { return in, nil }
}

// Set builds a string set from a variadic list, for concise Base literals.
func Set(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}
