package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webauto/internal/apierr"
)

func TestObserverDropOldest(t *testing.T) {
	b := New()
	o := b.Attach()
	defer b.Detach(o)

	total := observerBuffer + 20
	for i := 0; i < total; i++ {
		b.Publish("session:created", map[string]any{"seq": i})
	}

	var got []int
	for {
		select {
		case f := <-o.C():
			got = append(got, f.Data["seq"].(int))
		default:
			goto done
		}
	}
done:
	require.Len(t, got, observerBuffer)
	// oldest frames were dropped, newest survived in order
	assert.Equal(t, total-observerBuffer, got[0])
	assert.Equal(t, total-1, got[len(got)-1])
}

func TestObserverReplayOnAttach(t *testing.T) {
	b := New()
	b.Publish("session:created", map[string]any{"profileId": "xhs_fresh"})
	b.Publish("session:destroyed", map[string]any{"profileId": "xhs_fresh"})

	o := b.Attach()
	defer b.Detach(o)

	f1 := <-o.C()
	f2 := <-o.C()
	assert.Equal(t, "session:created", f1.Type)
	assert.Equal(t, "session:destroyed", f2.Type)
}

func TestReplayBounded(t *testing.T) {
	b := New()
	for i := 0; i < replaySize+50; i++ {
		b.Publish("tick", map[string]any{"seq": i})
	}
	replay := b.Replay()
	require.Len(t, replay, replaySize)
	assert.Equal(t, 50, replay[0].Data["seq"])
}

func TestSubscriptionTopicPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"session:created", "session:created", true},
		{"session:created", "session:destroyed", false},
		{"session:*", "session:crashed", true},
		{"session:*", "container:match", false},
		{"*", "anything", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}

func TestSubscriptionOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe("tick", 0)

	for i := 0; i < subscriptionBuffer+1; i++ {
		b.Publish("tick", map[string]any{"seq": i})
	}

	// the overflowing publish closed the stream with an error
	err := sub.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeSubscriptionOverflow})

	// channel drains to close, never silently drops mid-stream
	count := 0
	for range sub.C() {
		count++
	}
	assert.Equal(t, subscriptionBuffer, count)
}

func TestSubscriptionCooldown(t *testing.T) {
	b := New()
	sub := b.Subscribe("tick", 10_000)
	defer b.Unsubscribe(sub.ID)

	b.Publish("tick", nil)
	b.Publish("tick", nil) // inside the cooldown window, suppressed

	<-sub.C()
	select {
	case f := <-sub.C():
		t.Fatalf("expected cooldown suppression, got frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("tick", 0)
	b.Unsubscribe(sub.ID)
	b.Unsubscribe(sub.ID)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestPublishAfterDetachDoesNotPanic(t *testing.T) {
	b := New()
	o := b.Attach()
	b.Detach(o)
	for i := 0; i < 5; i++ {
		b.Publish("tick", map[string]any{"seq": fmt.Sprint(i)})
	}
}
