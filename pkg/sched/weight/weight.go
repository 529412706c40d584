// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package weight implements the fixed-point load weight arithmetic used by
// the fair scheduler. Nice levels map to integer weights such that each
// step down multiplies the weight by ~1.25, and virtual time deltas are
// computed with a precomputed 2^32 reciprocal to avoid divisions on hot
// paths.
package weight

import (
	"fmt"
	"math/bits"
)

const (
	// Shift is the fixed-point shift of the nice-0 weight.
	Shift = 10
	// Nice0Load is the weight of a nice-0 entity.
	Nice0Load = 1 << Shift
	// WmultShift is the shift of the precomputed weight reciprocals.
	WmultShift = 32
	// WmultConst is the dividend of the precomputed weight reciprocals.
	WmultConst = ^uint32(0)

	// MinNice is the most favourable nice level.
	MinNice = -20
	// MaxNice is the least favourable nice level.
	MaxNice = 19
	// NiceWidth is the number of distinct nice levels.
	NiceWidth = MaxNice - MinNice + 1

	// MinShares is the smallest weight a group entity can be assigned.
	MinShares = 2
	// MaxShares is the largest configurable group share value.
	MaxShares = 1 << 18

	// IdleMinWeight is the weight of entities in SCHED_IDLE groups,
	// chosen to be tiny but non-zero so vruntime still advances.
	IdleMinWeight = 3
)

// niceToWeight maps nice levels [-20, 19] to load weights. The
// progression is ~1.25x per nice step, so one nice level apart means
// roughly a 10% CPU share difference between two busy tasks.
var niceToWeight = [NiceWidth]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

// niceToWmult holds 2^32 / weight for each nice level.
var niceToWmult = [NiceWidth]uint32{
	/* -20 */ 48388, 59856, 76040, 92818, 118348,
	/* -15 */ 147320, 184698, 229616, 287308, 360437,
	/* -10 */ 449829, 563644, 704093, 875809, 1099582,
	/*  -5 */ 1376151, 1717300, 2157191, 2708050, 3363326,
	/*   0 */ 4194304, 5237765, 6557202, 8165337, 10153587,
	/*   5 */ 12820798, 15790321, 19976592, 24970740, 31350126,
	/*  10 */ 39045157, 49367440, 61356676, 76695844, 95443717,
	/*  15 */ 119304647, 148102320, 186737708, 238609294, 286331153,
}

// Load is the weight of an entity or the aggregate weight of a run queue,
// together with the lazily computed reciprocal used by CalcDelta.
type Load struct {
	Weight    uint64
	InvWeight uint32
}

// ErrBadNice is returned for out-of-range nice values.
var ErrBadNice = fmt.Errorf("weight: nice value out of range")

// FromNice returns the load for the given nice level.
func FromNice(nice int) (Load, error) {
	if nice < MinNice || nice > MaxNice {
		return Load{}, ErrBadNice
	}
	idx := nice - MinNice
	return Load{Weight: niceToWeight[idx], InvWeight: niceToWmult[idx]}, nil
}

// OfNice returns the plain weight of the given nice level, clamping
// out-of-range values.
func OfNice(nice int) uint64 {
	if nice < MinNice {
		nice = MinNice
	}
	if nice > MaxNice {
		nice = MaxNice
	}
	return niceToWeight[nice-MinNice]
}

// Set sets the weight and invalidates the cached reciprocal.
func (lw *Load) Set(w uint64) {
	lw.Weight = w
	lw.InvWeight = 0
}

// Add increases the weight and invalidates the cached reciprocal.
func (lw *Load) Add(inc uint64) {
	lw.Weight += inc
	lw.InvWeight = 0
}

// Sub decreases the weight and invalidates the cached reciprocal.
func (lw *Load) Sub(dec uint64) {
	if dec > lw.Weight {
		lw.Weight = 0
	} else {
		lw.Weight -= dec
	}
	lw.InvWeight = 0
}

// updateInvWeight computes the cached reciprocal if it is stale.
func (lw *Load) updateInvWeight() {
	if lw.InvWeight != 0 {
		return
	}
	w := lw.Weight
	switch {
	case w >= uint64(WmultConst):
		lw.InvWeight = 1
	case w == 0:
		lw.InvWeight = WmultConst
	default:
		lw.InvWeight = uint32(uint64(WmultConst) / w)
	}
}

// CalcDelta computes delta * weight / lw.Weight without divisions and
// without overflowing 64 bits. The weighted factor is shifted down until
// its high half is clear, with the shift deducted from the final right
// shift, so the only error is bounded rounding.
func CalcDelta(delta int64, w uint64, lw *Load) int64 {
	fact := w
	shift := uint(WmultShift)

	lw.updateInvWeight()

	if hi := uint32(fact >> 32); hi != 0 {
		fs := uint(bits.Len32(hi))
		shift -= fs
		fact >>= fs
	}

	fact = fact * uint64(lw.InvWeight)

	if hi := uint32(fact >> 32); hi != 0 {
		fs := uint(bits.Len32(hi))
		shift -= fs
		fact >>= fs
	}

	hi, lo := bits.Mul64(uint64(delta), fact)
	return int64(hi<<(64-shift) | lo>>shift)
}

// DeltaFair scales a wall-clock delta to virtual time for an entity of
// the given load. Nice-0 entities accrue virtual time at wall speed.
func DeltaFair(delta int64, lw *Load) int64 {
	if lw.Weight == Nice0Load {
		return delta
	}
	return CalcDelta(delta, Nice0Load, lw)
}
