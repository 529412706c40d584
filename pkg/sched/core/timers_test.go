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

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimerQueueOrder(t *testing.T) {
	q := newTimerQueue()

	var fired []int
	mk := func(id int) *vtimer {
		return newTimer(func(now int64) int64 {
			fired = append(fired, id)
			return 0
		})
	}

	q.start(mk(3), 300)
	q.start(mk(1), 100)
	q.start(mk(2), 200)

	when, ok := q.next()
	require.True(t, ok)
	require.Equal(t, int64(100), when)

	q.run(150)
	require.Equal(t, []int{1}, fired)

	q.run(500)
	require.Equal(t, []int{1, 2, 3}, fired)

	_, ok = q.next()
	require.False(t, ok)
}

func TestTimerRearm(t *testing.T) {
	q := newTimerQueue()

	count := 0
	next := int64(100)
	tm := newTimer(func(now int64) int64 {
		count++
		next += 100
		if count < 3 {
			return next
		}
		return 0
	})
	q.start(tm, next)

	// A periodic timer re-armed in the past catches up in one run.
	q.run(1000)
	require.Equal(t, 3, count)
	require.False(t, q.active(tm))
}

func TestTimerCancelAndRestart(t *testing.T) {
	q := newTimerQueue()

	fired := 0
	tm := newTimer(func(now int64) int64 {
		fired++
		return 0
	})

	require.False(t, q.cancel(tm))
	q.start(tm, 100)
	require.True(t, q.active(tm))
	require.True(t, q.cancel(tm))
	q.run(1000)
	require.Equal(t, 0, fired)

	// Re-arming an armed timer moves it instead of duplicating it.
	q.start(tm, 100)
	q.start(tm, 400)
	q.run(200)
	require.Equal(t, 0, fired)
	q.run(400)
	require.Equal(t, 1, fired)
}
