// Package filter implements the runtime-filter bank the join builder
// publishes Bloom and min-max summaries of its build keys to, an external
// collaborator with contract {RegisterFilter, AllocateScratchBloomFilter,
// AllocateScratchMinMaxFilter, FpRateTooHigh, UpdateFilterFromLocal}. It is
// grounded on the Bloom filter use in executor/hybrid_hash_join.go and
// hash_join_hybrid.go, which keep a bloom.New(m, k) over r's join values
// to skip s rows that can't match,
// generalized from one fixed-size filter per join to a bank of named,
// independently sized filters — one per equality conjunct the builder is
// responsible for producing.
package filter

import (
	"math"

	"github.com/axiomhq/hyperloglog"
	"github.com/willf/bloom"

	"github.com/dropbox/godropbox/errors"
)

type Kind int

const (
	Bloom Kind = iota
	MinMax
)

// Desc identifies one runtime filter this builder instance is responsible
// for producing; broadcast filters routed to another producer are never
// registered here.
type Desc struct {
	ID   int
	Kind Kind
}

type filterState struct {
	desc   Desc
	bloom  *bloom.BloomFilter
	sketch *hyperloglog.Sketch

	hasMinMax bool
	min, max  float64
}

// Published is the value a Bank hands back for publication on the scan
// side: either a real filter, or the always-true sentinel that tells
// consumers not to bother probing it.
type Published struct {
	ID         int
	Kind       Kind
	AlwaysTrue bool
	Bloom      *bloom.BloomFilter
	Min, Max   float64
	HasMinMax  bool
}

// Bank is the filter bank collaborator. It has no internal locking and is
// not safe for concurrent use; in this module exactly one builder drives
// one Bank.
type Bank struct {
	targetFpRate float64
	filters      map[int]*filterState
}

func NewBank(targetFpRate float64) *Bank {
	return &Bank{targetFpRate: targetFpRate, filters: make(map[int]*filterState)}
}

// RegisterFilter records that this builder instance will produce the given
// filter; it must be called before AllocateScratch* for that filter's ID.
func (b *Bank) RegisterFilter(desc Desc) error {
	if _, ok := b.filters[desc.ID]; ok {
		return errors.Newf("filter: filter %d already registered", desc.ID)
	}
	b.filters[desc.ID] = &filterState{desc: desc}
	return nil
}

// AllocateScratchBloomFilter creates the scratch Bloom filter (and its
// paired NDV sketch, used by the FP-rate gate) for a registered Bloom
// filter, sized for expectedNdv distinct keys at the bank's target
// false-positive rate.
func (b *Bank) AllocateScratchBloomFilter(id int, expectedNdv uint64) error {
	st, err := b.mustFilter(id, Bloom)
	if err != nil {
		return err
	}
	if expectedNdv == 0 {
		expectedNdv = 1
	}
	st.bloom = bloom.NewWithEstimates(uint(expectedNdv), b.targetFpRate)
	st.sketch = hyperloglog.New()
	return nil
}

// AllocateScratchMinMaxFilter creates the scratch min-max filter for a
// registered min-max filter.
func (b *Bank) AllocateScratchMinMaxFilter(id int) error {
	_, err := b.mustFilter(id, MinMax)
	return err
}

func (b *Bank) mustFilter(id int, kind Kind) (*filterState, error) {
	st, ok := b.filters[id]
	if !ok {
		return nil, errors.Newf("filter: filter %d was never registered", id)
	}
	if st.desc.Kind != kind {
		return nil, errors.Newf("filter: filter %d is not a %v filter", id, kind)
	}
	return st, nil
}

// UpdateFilterFromLocal folds one build row's key into filter id's scratch
// state: keyBytes feeds the Bloom filter and its NDV sketch; numeric (when
// hasNumeric) feeds the min-max bounds.
func (b *Bank) UpdateFilterFromLocal(id int, keyBytes []byte, numeric float64, hasNumeric bool) error {
	st, ok := b.filters[id]
	if !ok {
		return errors.Newf("filter: filter %d was never registered", id)
	}
	switch st.desc.Kind {
	case Bloom:
		if st.bloom == nil {
			return errors.Newf("filter: Bloom filter %d was never allocated", id)
		}
		st.bloom.Add(keyBytes)
		st.sketch.Insert(keyBytes)
	case MinMax:
		if !hasNumeric {
			return nil
		}
		if !st.hasMinMax {
			st.min, st.max = numeric, numeric
			st.hasMinMax = true
			return nil
		}
		if numeric < st.min {
			st.min = numeric
		}
		if numeric > st.max {
			st.max = numeric
		}
	}
	return nil
}

// FpRateTooHigh reports whether filter id's Bloom filter, at the larger of
// rows and its sketch's current NDV estimate (floored at 1), would exceed
// the bank's target false-positive rate. Non-Bloom filters are never too
// high.
func (b *Bank) FpRateTooHigh(id int, rows int64) bool {
	st, ok := b.filters[id]
	if !ok || st.desc.Kind != Bloom || st.bloom == nil {
		return false
	}
	ndv := rows
	if st.sketch != nil {
		if est := int64(st.sketch.Estimate()); est > ndv {
			ndv = est
		}
	}
	if ndv < 1 {
		ndv = 1
	}
	k := float64(st.bloom.K())
	m := float64(st.bloom.Cap())
	if m == 0 {
		return true
	}
	// Standard Bloom filter false-positive estimate: (1 - e^(-k*n/m))^k.
	fp := math.Pow(1-math.Exp(-k*float64(ndv)/m), k)
	return fp > b.targetFpRate
}

// Publish returns the value to hand to the scan side for filter id: the
// real filter, or the always-true sentinel if FpRateTooHigh (Bloom) or if
// no bounds were ever observed (min-max on an empty partition).
func (b *Bank) Publish(id int, rows int64) (Published, error) {
	st, ok := b.filters[id]
	if !ok {
		return Published{}, errors.Newf("filter: filter %d was never registered", id)
	}
	switch st.desc.Kind {
	case Bloom:
		if st.bloom == nil || b.FpRateTooHigh(id, rows) {
			return Published{ID: id, Kind: Bloom, AlwaysTrue: true}, nil
		}
		return Published{ID: id, Kind: Bloom, Bloom: st.bloom}, nil
	default:
		if !st.hasMinMax {
			return Published{ID: id, Kind: MinMax, AlwaysTrue: true}, nil
		}
		return Published{ID: id, Kind: MinMax, Min: st.min, Max: st.max, HasMinMax: true}, nil
	}
}
