package rng

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

const (
	SubsystemSeeding   = "seeding"
	SubsystemAllocator = "allocator"
	SubsystemChoice    = "choice"
)

func Producer(id int64) string { return fmt.Sprintf("producer_%d", id) }
func Consumer(id int64) string { return fmt.Sprintf("consumer_%d", id) }

// Partitioned hands out one independent, deterministic stream per named
// subsystem, all derived from a single tick seed.
//
// Not safe for concurrent use. Derive every stream a fan-out needs before
// starting goroutines; each returned *rand.Rand must then stay with one
// goroutine.
type Partitioned struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

func New(seed int64) *Partitioned {
	return &Partitioned{seed: seed, subsystems: make(map[string]*rand.Rand)}
}

// NewSeed picks a seed for a tick that was started without one.
func NewSeed() int64 {
	return time.Now().UnixNano()
}

func (p *Partitioned) Seed() int64 { return p.seed }

// For returns the cached stream for name; seed is master XOR fnv1a64(name).
func (p *Partitioned) For(name string) *rand.Rand {
	if r, ok := p.subsystems[name]; ok {
		return r
	}
	r := rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = r
	return r
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
