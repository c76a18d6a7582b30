package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

// Lifecycle is the operation set shared by nodes and pools.
type Lifecycle interface {
	Start(ctx context.Context, provider providers.Provider) error
	AttachVolumes(ctx context.Context) error
	EstablishSession(ctx context.Context, dialer Dialer) error
	GenerateKeys(ctx context.Context) error
	DistributeKeys(ctx context.Context, keys []string) error
	UploadFacts(ctx context.Context, facts FleetFacts) error
	RunBootstrapSequence(ctx context.Context) error
}

var (
	_ Lifecycle = (*Node)(nil)
	_ Lifecycle = (*Pool)(nil)
)

// Pool is a named group of identical nodes. Members are named <name><i>
// and fixed at construction.
type Pool struct {
	name    string
	members []*Node
}

// NewPool builds size members from spec; a size below one yields one member.
// A hostname in spec gets the member index appended, like the member name.
func NewPool(name string, size int, spec NodeSpec, opts ...NodeOption) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{name: name, members: make([]*Node, 0, size)}
	hostname := spec.Hostname
	for i := 0; i < size; i++ {
		if hostname != "" {
			spec.Hostname = fmt.Sprintf("%s%d", hostname, i)
		}
		n, err := NewNode(fmt.Sprintf("%s%d", name, i), spec, opts...)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
		p.members = append(p.members, n)
	}
	return p, nil
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Size() int    { return len(p.members) }

// Members returns the pool's nodes in index order.
func (p *Pool) Members() []*Node {
	out := make([]*Node, len(p.members))
	copy(out, p.members)
	return out
}

// WithPublicAddress requests public addresses for every member.
func (p *Pool) WithPublicAddress() *Pool {
	for _, n := range p.members {
		n.WithPublicAddress()
	}
	return p
}

// each calls fn on every member in order and joins the failures.
func (p *Pool) each(fn func(*Node) error) error {
	var errs []error
	for _, n := range p.members {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) Start(ctx context.Context, provider providers.Provider) error {
	return p.each(func(n *Node) error { return n.Start(ctx, provider) })
}

func (p *Pool) AttachVolumes(ctx context.Context) error {
	return p.each(func(n *Node) error { return n.AttachVolumes(ctx) })
}

func (p *Pool) EstablishSession(ctx context.Context, dialer Dialer) error {
	return p.each(func(n *Node) error { return n.EstablishSession(ctx, dialer) })
}

func (p *Pool) GenerateKeys(ctx context.Context) error {
	return p.each(func(n *Node) error { return n.GenerateKeys(ctx) })
}

func (p *Pool) DistributeKeys(ctx context.Context, keys []string) error {
	return p.each(func(n *Node) error { return n.DistributeKeys(ctx, keys) })
}

func (p *Pool) UploadFacts(ctx context.Context, facts FleetFacts) error {
	return p.each(func(n *Node) error { return n.UploadFacts(ctx, facts) })
}

func (p *Pool) RunBootstrapSequence(ctx context.Context) error {
	return p.each(func(n *Node) error { return n.RunBootstrapSequence(ctx) })
}
