/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trafficcapture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func smallPacket(cost int) Packet {
	return Packet{Message: NewMessage(make([]byte, cost))}
}

func TestCostedQueueRespectsMaxCost(t *testing.T) {
	q := newCostedQueue(100)

	require.True(t, q.TryPush(smallPacket(60)))
	require.True(t, q.TryPush(smallPacket(40)))
	// costSum is now 100; anything more should be rejected.
	require.False(t, q.TryPush(smallPacket(1)))
	require.Equal(t, 100, q.QueueDepth())
}

func TestCostedQueuePopManyUpToAlwaysReturnsAtLeastOne(t *testing.T) {
	q := newCostedQueue(1000)
	require.True(t, q.TryPush(smallPacket(500)))

	out, err := q.PopManyUpTo(10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 0, q.QueueDepth())
}

func TestCostedQueuePopManyUpToRespectsBudget(t *testing.T) {
	q := newCostedQueue(1000)
	require.True(t, q.TryPush(smallPacket(10)))
	require.True(t, q.TryPush(smallPacket(10)))
	require.True(t, q.TryPush(smallPacket(10)))

	out, err := q.PopManyUpTo(20)
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = q.PopManyUpTo(20)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestCostedQueueFIFOOrder(t *testing.T) {
	q := newCostedQueue(1000)
	for i := 0; i < 5; i++ {
		p := smallPacket(1)
		p.Order = uint64(i + 1)
		require.True(t, q.TryPush(p))
	}

	out, err := q.PopManyUpTo(1000)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, p := range out {
		require.Equal(t, uint64(i+1), p.Order)
	}
}

func TestCostedQueueCloseProducerDrainsThenFails(t *testing.T) {
	q := newCostedQueue(1000)
	require.True(t, q.TryPush(smallPacket(10)))
	q.CloseProducer()

	out, err := q.PopManyUpTo(1000)
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = q.PopManyUpTo(1000)
	require.ErrorIs(t, err, ErrQueueDrained)

	require.False(t, q.TryPush(smallPacket(1)))
}

func TestCostedQueuePopManyUpToBlocksUntilPush(t *testing.T) {
	q := newCostedQueue(1000)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []Packet
	var popErr error
	go func() {
		defer wg.Done()
		got, popErr = q.PopManyUpTo(1000)
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.TryPush(smallPacket(5)))
	wg.Wait()

	require.NoError(t, popErr)
	require.Len(t, got, 1)
}

func TestCostedQueuePopManyUpToWakesOnCloseWhenEmpty(t *testing.T) {
	q := newCostedQueue(1000)

	var wg sync.WaitGroup
	wg.Add(1)
	var popErr error
	go func() {
		defer wg.Done()
		_, popErr = q.PopManyUpTo(1000)
	}()

	time.Sleep(20 * time.Millisecond)
	q.CloseProducer()
	wg.Wait()

	require.ErrorIs(t, popErr, ErrQueueDrained)
}
