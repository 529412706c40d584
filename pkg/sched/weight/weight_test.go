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

package weight

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromNice(t *testing.T) {
	lw, err := FromNice(0)
	require.NoError(t, err)
	require.Equal(t, uint64(Nice0Load), lw.Weight)

	_, err = FromNice(-21)
	require.ErrorIs(t, err, ErrBadNice)
	_, err = FromNice(20)
	require.ErrorIs(t, err, ErrBadNice)

	// each nice step changes the weight by roughly 1.25x
	for nice := MinNice; nice < MaxNice; nice++ {
		w0 := OfNice(nice)
		w1 := OfNice(nice + 1)
		ratio := float64(w0) / float64(w1)
		if ratio < 1.15 || ratio > 1.35 {
			t.Fatalf("nice %d -> %d weight ratio %f out of bounds", nice, nice+1, ratio)
		}
	}
}

func TestCalcDelta(t *testing.T) {
	tcs := []struct {
		description string
		delta       int64
		w           uint64
		lw          uint64
	}{
		{"nice0 over nice0", 1000000, Nice0Load, Nice0Load},
		{"nice0 over heaviest", 1000000, Nice0Load, OfNice(MinNice)},
		{"nice0 over lightest", 1000000, Nice0Load, OfNice(MaxNice)},
		{"huge delta", int64(1) << 40, Nice0Load, 88761},
		{"huge queue weight", 1000000, Nice0Load, 88761 * 64},
		{"64bit weighted factor", int64(1) << 32, uint64(1) << 36, 1024},
	}
	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			lw := Load{}
			lw.Set(tc.lw)
			got := CalcDelta(tc.delta, tc.w, &lw)
			want := float64(tc.delta) * float64(tc.w) / float64(tc.lw)
			// rounding error only
			if math.Abs(float64(got)-want) > want/1000+2 {
				t.Fatalf("CalcDelta(%d, %d, %d) = %d, want ~%f",
					tc.delta, tc.w, tc.lw, got, want)
			}
		})
	}
}

func TestDeltaFair(t *testing.T) {
	lw := Load{Weight: Nice0Load}
	require.Equal(t, int64(12345), DeltaFair(12345, &lw))

	heavy := Load{}
	heavy.Set(OfNice(-20))
	// a nice -20 entity accrues vruntime ~86x slower
	d := DeltaFair(86*1000*1000, &heavy)
	if d < 900000 || d > 1100000 {
		t.Fatalf("DeltaFair for nice -20 = %d, want ~1000000", d)
	}
}

func TestLoadAddSub(t *testing.T) {
	lw := Load{}
	lw.Set(1024)
	lw.updateInvWeight()
	require.NotZero(t, lw.InvWeight)

	lw.Add(2048)
	require.Equal(t, uint64(3072), lw.Weight)
	require.Zero(t, lw.InvWeight)

	lw.Sub(4096) // underflow clamps to zero
	require.Zero(t, lw.Weight)
	lw.updateInvWeight()
	require.Equal(t, WmultConst, lw.InvWeight)
}
