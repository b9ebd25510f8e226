package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enspurna/enspurna/internal/relayserver"
	"github.com/enspurna/enspurna/internal/storage/kv"
)

func newRelayPair(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	h := relayserver.New("sig", kv.NewMemoryBucket("offers"), kv.NewMemoryBucket("answers"))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:      srv.URL,
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Second,
	}, "room-1")
	return srv, client
}

func TestNewRoomID_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{8}$`)
	a, b := NewRoomID(), NewRoomID()
	if !pattern.MatchString(a) {
		t.Fatalf("unexpected room id %q", a)
	}
	if a == b {
		t.Fatalf("room ids must be unique, got %q twice", a)
	}
}

func TestCheckHealth(t *testing.T) {
	_, client := newRelayPair(t)
	require.NoError(t, client.CheckHealth(context.Background()))
}

func TestCheckHealth_Unreachable(t *testing.T) {
	client := NewClient(Config{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	}, "room-1")

	err := client.CheckHealth(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRelayUnavailable))
}

func TestPublishOffer_FailsWithoutRelay(t *testing.T) {
	client := NewClient(Config{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	}, "room-1")

	err := client.PublishOffer(context.Background(), []byte(`{"type":"offer"}`))
	require.True(t, errors.Is(err, ErrRelayUnavailable))
}

func TestOfferRoundTrip(t *testing.T) {
	_, controller := newRelayPair(t)
	ctx := context.Background()

	offer := []byte(`{"type":"offer","sdp":"v=0..."}`)
	require.NoError(t, controller.PublishOffer(ctx, offer))

	got, err := controller.FetchOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, offer, got)
}

func TestFetchOffer_WaitsForPublication(t *testing.T) {
	srv, client := newRelayPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	offer := []byte(`{"type":"offer"}`)
	go func() {
		time.Sleep(80 * time.Millisecond)
		late := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, "room-1")
		_ = late.PublishOffer(context.Background(), offer)
	}()

	got, err := client.FetchOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, offer, got)
}

func TestFetchOffer_CancelledContext(t *testing.T) {
	_, client := newRelayPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.FetchOffer(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchAnswer_ClearsOnRead(t *testing.T) {
	_, client := newRelayPair(t)
	ctx := context.Background()

	_, ok, err := client.FetchAnswer(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	answer := []byte(`{"type":"answer","sdp":"v=0..."}`)
	require.NoError(t, client.PublishAnswer(ctx, answer))

	got, ok, err := client.FetchAnswer(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, answer, got)

	// Second fetch sees an empty slot.
	_, ok, err = client.FetchAnswer(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAnswerPolling_DeliversOnce(t *testing.T) {
	_, client := newRelayPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered atomic.Int32
	received := make(chan []byte, 1)
	client.StartAnswerPolling(ctx, func(payload []byte) {
		delivered.Add(1)
		select {
		case received <- payload:
		default:
		}
	})
	defer client.StopPolling()

	answer := []byte(`{"type":"answer"}`)
	require.NoError(t, client.PublishAnswer(ctx, answer))

	select {
	case got := <-received:
		require.Equal(t, answer, got)
	case <-time.After(2 * time.Second):
		t.Fatal("answer never delivered by polling loop")
	}

	// The slot was cleared on delivery; nothing further arrives.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), delivered.Load())
}

func TestStartAnswerPolling_SecondStartIsNoOp(t *testing.T) {
	_, client := newRelayPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second atomic.Int32
	client.StartAnswerPolling(ctx, func([]byte) { first.Add(1) })
	client.StartAnswerPolling(ctx, func([]byte) { second.Add(1) })
	defer client.StopPolling()

	require.NoError(t, client.PublishAnswer(ctx, []byte(`{"type":"answer"}`)))

	require.Eventually(t, func() bool {
		return first.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(0), second.Load(), "second polling loop must not start")
}

func TestStopPolling_Idempotent(t *testing.T) {
	_, client := newRelayPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.StartAnswerPolling(ctx, func([]byte) {})
	client.StopPolling()
	client.StopPolling()

	// The loop can be restarted after a stop completes.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return !client.polling
	}, time.Second, 10*time.Millisecond)
	client.StartAnswerPolling(ctx, func([]byte) {})
	client.StopPolling()
}
