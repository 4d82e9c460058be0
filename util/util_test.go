package util

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyMutex(t *testing.T) {
	km := NewKeyMutex()

	var (
		wg      sync.WaitGroup
		lk      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			lk.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			lk.Unlock()

			time.Sleep(time.Millisecond)

			lk.Lock()
			inside--
			lk.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct keys must not block each other")
	}
	unlockA()

	km.lk.Lock()
	assert.Empty(t, km.locks)
	km.lk.Unlock()
}

func TestEpochToTime(t *testing.T) {
	assert.Equal(t, int64(MainNetStart), EpochToTime(0).Unix())
	assert.True(t, EpochToTime(10).After(EpochToTime(9)))
}

func TestConnectFullNodeRejectsBadInfo(t *testing.T) {
	ctx := context.Background()

	_, _, err := ConnectFullNode(ctx, "no-separator")
	require.Error(t, err)

	_, _, err = ConnectFullNode(ctx, "token:not-a-multiaddr")
	require.Error(t, err)

	assert.Equal(t, "ws://127.0.0.1:1234/rpc/v1", apiURI("127.0.0.1:1234"))
	assert.Equal(t, "Bearer abc", headers("abc").Get("Authorization"))
	assert.Empty(t, headers("").Get("Authorization"))
}
