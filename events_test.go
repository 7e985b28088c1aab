package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func updateEvent(channelAddress common.Address, nonce uint64) ChannelUpdateEvent {
	return ChannelUpdateEvent{
		UpdatedChannelState: FullChannelState{
			ChannelAddress: channelAddress,
			Nonce:          nonce,
		},
	}
}

func TestEventBusPredicateFiltering(t *testing.T) {
	bus := NewEventBus(NewLoggerIPFS("test"))
	target := common.HexToAddress("0x01")
	other := common.HexToAddress("0x02")

	var mu sync.Mutex
	var seen []uint64
	bus.SubscribeChannelUpdate(func(event ChannelUpdateEvent) bool {
		return event.UpdatedChannelState.ChannelAddress == target
	}, func(event ChannelUpdateEvent) {
		mu.Lock()
		seen = append(seen, event.UpdatedChannelState.Nonce)
		mu.Unlock()
	})

	bus.PublishChannelUpdate(updateEvent(other, 1))
	bus.PublishChannelUpdate(updateEvent(target, 2))
	bus.PublishChannelUpdate(updateEvent(target, 3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []uint64{2, 3}, seen)
}

func TestEventBusWaitForChannelUpdate(t *testing.T) {
	bus := NewEventBus(NewLoggerIPFS("test"))
	target := common.HexToAddress("0x01")

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.PublishChannelUpdate(updateEvent(common.HexToAddress("0x02"), 1))
		bus.PublishChannelUpdate(updateEvent(target, 7))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := bus.WaitForChannelUpdate(ctx, func(event ChannelUpdateEvent) bool {
		return event.UpdatedChannelState.ChannelAddress == target
	})
	require.NoError(t, err)
	assert.EqualValues(t, 7, event.UpdatedChannelState.Nonce)
}

func TestEventBusWaitForChannelUpdateTimeout(t *testing.T) {
	bus := NewEventBus(NewLoggerIPFS("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bus.WaitForChannelUpdate(ctx, func(ChannelUpdateEvent) bool { return true })
	require.Error(t, err)
}

func TestEventBusErrorSink(t *testing.T) {
	bus := NewEventBus(NewLoggerIPFS("test"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.PublishError(NewChannelError(ErrCodeInvalidNonce, "out of order").WithChannel("0xabc"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cerr, err := bus.WaitForError(ctx, func(cerr *ChannelError) bool {
		return cerr.Code == ErrCodeInvalidNonce
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", cerr.ChannelAddress)
}
