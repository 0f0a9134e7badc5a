// Package augment implements randomized batch transforms: time stretching
// and frequency shifting by B-spline resampling, and random spectral
// filters.
package augment

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/spectrofeed/spectrofeed/internal/batch"
)

// ErrContract is returned when a transform cannot accept a batch shape.
var ErrContract = errors.New("transform shape contract violated")

// Transform maps a batch to a new batch. Implementations are stateless:
// every random draw comes from rng, and the input batch is not modified.
type Transform interface {
	Name() string

	// OutShape returns the output shape for an input shape, or an error
	// wrapping ErrContract if the input is not accepted.
	OutShape(in batch.Shape) (batch.Shape, error)

	Apply(rng *rand.Rand, b *batch.Batch) *batch.Batch
}

// Chain applies transforms in a fixed order.
type Chain struct {
	stages []Transform
	shapes []batch.Shape // shapes[i] is the input of stage i; the last is the output
}

// NewChain checks that each stage accepts its predecessor's output.
func NewChain(in batch.Shape, ts ...Transform) (*Chain, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: chain input: %w", ErrContract, err)
	}

	c := &Chain{stages: ts, shapes: []batch.Shape{in}}
	cur := in
	for _, t := range ts {
		out, err := t.OutShape(cur)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		if err := out.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s output: %w", ErrContract, t.Name(), err)
		}
		c.shapes = append(c.shapes, out)
		cur = out
	}
	return c, nil
}

// In returns the accepted input shape.
func (c *Chain) In() batch.Shape {
	return c.shapes[0]
}

// Out returns the produced shape.
func (c *Chain) Out() batch.Shape {
	return c.shapes[len(c.shapes)-1]
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	return len(c.stages)
}

func (c *Chain) String() string {
	names := make([]string, 0, len(c.stages))
	for _, t := range c.stages {
		names = append(names, t.Name())
	}
	return fmt.Sprintf("%s -> [%s] -> %s", c.In(), strings.Join(names, ", "), c.Out())
}

// Apply runs every stage. A batch that does not match the declared shapes
// is a programming error and panics.
func (c *Chain) Apply(rng *rand.Rand, b *batch.Batch) *batch.Batch {
	if b.Shape != c.shapes[0] {
		panic(fmt.Sprintf("augment: chain expects %s, got %s", c.shapes[0], b.Shape))
	}
	for i, t := range c.stages {
		b = t.Apply(rng, b)
		if b.Shape != c.shapes[i+1] {
			panic(fmt.Sprintf("augment: %s produced %s, declared %s", t.Name(), b.Shape, c.shapes[i+1]))
		}
	}
	return b
}
