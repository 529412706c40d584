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

package stopper

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOne(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()

	ran := atomic.NewInt32(0)
	err := p.One(1, func(arg interface{}) error {
		require.Equal(t, "payload", arg)
		ran.Inc()
		return nil
	}, "payload")
	require.NoError(t, err)
	require.Equal(t, int32(1), ran.Load())

	wantErr := fmt.Errorf("boom")
	err = p.One(0, func(interface{}) error { return wantErr }, nil)
	require.ErrorIs(t, err, wantErr)
}

func TestOneSerializes(t *testing.T) {
	p := NewPool(1)
	p.Start()
	defer p.Stop()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.One(0, func(interface{}) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			}, nil)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive, "at most one work may run per CPU at a time")
}

func TestOneNowait(t *testing.T) {
	p := NewPool(1)
	p.Start()
	defer p.Stop()

	ch := make(chan struct{})
	ok := p.OneNowait(0, NewWork(func(interface{}) error {
		close(ch)
		return nil
	}, nil))
	require.True(t, ok)
	<-ch
}

func TestDisabled(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()
	p.Disable(1)

	err := p.One(1, func(interface{}) error { return nil }, nil)
	require.ErrorIs(t, err, ErrDisabled)

	require.False(t, p.OneNowait(1, NewWork(func(interface{}) error { return nil }, nil)))

	err = p.Two(0, 1, func(interface{}) error { return nil }, nil)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestTwo(t *testing.T) {
	p := NewPool(4)
	p.Start()
	defer p.Stop()

	ran := atomic.NewInt32(0)
	err := p.Two(3, 1, func(arg interface{}) error {
		ran.Inc()
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), ran.Load(), "fn must execute exactly once")
}

func TestTwoSameCPU(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()

	ran := atomic.NewInt32(0)
	require.NoError(t, p.Two(1, 1, func(interface{}) error {
		ran.Inc()
		return nil
	}, nil))
	require.Equal(t, int32(1), ran.Load())
}

func TestTwoConcurrent(t *testing.T) {
	p := NewPool(4)
	p.Start()
	defer p.Stop()

	// opposite-order pairs must not deadlock
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		c1, c2 := i%4, (i+1)%4
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p.Two(c1, c2, func(interface{}) error { return nil }, nil))
		}()
	}
	wg.Wait()
}

func TestMachine(t *testing.T) {
	p := NewPool(8)
	p.Start()
	defer p.Stop()

	ran := atomic.NewInt32(0)
	require.NoError(t, p.Machine(func(interface{}) error {
		ran.Inc()
		return nil
	}, nil))
	require.Equal(t, int32(1), ran.Load())

	// runs with a reduced quorum when a stopper is offline
	p.Disable(5)
	require.NoError(t, p.Machine(func(interface{}) error { return nil }, nil))
}
