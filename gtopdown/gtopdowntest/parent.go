// Package gtopdowntest contains an in-memory parent chain for tests and local development.
package gtopdowntest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gtopdown"
)

// FakeParent is an in-memory [gtopdown.ParentClient].
// Every added block is immediately final.
// It also accepts bottom-up certificates, keeping one per checkpoint height.
//
// FakeParent is safe for concurrent use.
type FakeParent struct {
	mu sync.Mutex

	first  uint64
	blocks []gtopdown.ParentBlock

	nextNonce uint64

	certs []gchain.CheckpointCertificate

	err  error
	hang bool
}

var _ gtopdown.ParentClient = (*FakeParent)(nil)

// NewFakeParent returns a parent whose first block will be at height first.
func NewFakeParent(first uint64) *FakeParent {
	return &FakeParent{first: first}
}

// BlockHash is the hash FakeParent assigns to the block at height.
func BlockHash(height uint64) []byte {
	return []byte(fmt.Sprintf("parent-block-%d", height))
}

// AddBlock appends a non-null block carrying msgs,
// assigning them the next sequential nonces.
func (p *FakeParent) AddBlock(msgs ...gchain.CrossMsg) gtopdown.ParentBlock {
	return p.AddBlockWithChanges(nil, msgs...)
}

// AddBlockWithChanges is like AddBlock but also carries validator changes.
func (p *FakeParent) AddBlockWithChanges(changes []gchain.ValidatorChange, msgs ...gchain.CrossMsg) gtopdown.ParentBlock {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.nextHeight()
	b := gtopdown.ParentBlock{
		Height:           h,
		Hash:             BlockHash(h),
		ValidatorChanges: slices.Clone(changes),
	}
	for _, m := range msgs {
		m.Nonce = p.nextNonce
		p.nextNonce++
		b.Messages = append(b.Messages, m)
	}
	p.blocks = append(p.blocks, b)
	return b
}

// AddNull appends a null round.
func (p *FakeParent) AddNull() gtopdown.ParentBlock {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := gtopdown.ParentBlock{Height: p.nextHeight()}
	p.blocks = append(p.blocks, b)
	return b
}

func (p *FakeParent) nextHeight() uint64 {
	return p.first + uint64(len(p.blocks))
}

// SetError makes every request fail with err until it is cleared with nil.
func (p *FakeParent) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetHang makes every request block until its context is canceled.
func (p *FakeParent) SetHang(hang bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang = hang
}

func (p *FakeParent) enter(ctx context.Context) error {
	p.mu.Lock()
	hang, err := p.hang, p.err
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return err
}

func (p *FakeParent) FinalizedHeight(ctx context.Context) (uint64, error) {
	if err := p.enter(ctx); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.blocks) == 0 {
		if p.first == 0 {
			return 0, nil
		}
		return p.first - 1, nil
	}
	return p.blocks[len(p.blocks)-1].Height, nil
}

func (p *FakeParent) MessagesSince(ctx context.Context, height uint64) ([]gtopdown.ParentBlock, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if height < p.first {
		height = p.first
	}
	idx := height - p.first
	if idx >= uint64(len(p.blocks)) {
		return nil, nil
	}
	return slices.Clone(p.blocks[idx:]), nil
}

// SubmitCertificate records cert unless one already exists for its height.
func (p *FakeParent) SubmitCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error {
	if err := p.enter(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, have := range p.certs {
		if have.Checkpoint.ToHeight == cert.Checkpoint.ToHeight {
			return nil
		}
	}
	p.certs = append(p.certs, cert)
	return nil
}

// Certificates returns the accepted certificates in submission order.
func (p *FakeParent) Certificates() []gchain.CheckpointCertificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.certs)
}
