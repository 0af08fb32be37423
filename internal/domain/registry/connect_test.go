package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

func TestConnectorSendAndRecv(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 4)
	defer conn.Close()

	require.True(t, conn.Send(model.NewOutbound("ev", nil, model.PriorityNormal), 10*time.Millisecond))
	ev := <-conn.Recv()
	assert.Equal(t, "ev", ev.Event)
}

func TestConnectorShedsLowPriorityOnFullMailbox(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 1)
	defer conn.Close()

	require.True(t, conn.Send(model.NewOutbound("first", nil, model.PriorityNormal), 10*time.Millisecond))

	// Mailbox full: a state broadcast is dropped outright.
	ok := conn.Send(model.NewOutbound("broadcast", nil, model.PriorityLow), 10*time.Millisecond)
	assert.False(t, ok)
}

func TestConnectorHighPriorityEvictsLow(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 1)
	defer conn.Close()

	require.True(t, conn.Send(model.NewOutbound("broadcast", nil, model.PriorityLow), 10*time.Millisecond))

	// end_game must get through even with a saturated mailbox.
	ok := conn.Send(model.NewOutbound("end_game", nil, model.PriorityHigh), 10*time.Millisecond)
	require.True(t, ok)

	ev := <-conn.Recv()
	assert.Equal(t, "end_game", ev.Event)
}

func TestConnectorSendAfterCloseFails(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 4)
	conn.Close()

	assert.False(t, conn.Send(model.NewOutbound("ev", nil, model.PriorityNormal), 10*time.Millisecond))
}

func TestConnectorDoneSignalsClose(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 4)
	done := conn.Done()

	select {
	case <-done:
		t.Fatal("done fired before close")
	default:
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done never fired")
	}
}

func TestConnectorNotRecycledBeforeRelease(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 4)
	recv := conn.Recv()
	conn.Close()

	// A successor allocated after Close must get its own mailbox; the
	// closed connector keeps the channel its pump captured and never
	// surfaces the successor's traffic.
	next := NewConnector(context.Background(), "b", 4)
	defer next.Close()
	require.True(t, next.Send(model.NewOutbound("ev", nil, model.PriorityNormal), 10*time.Millisecond))

	assert.Equal(t, recv, conn.Recv())
	select {
	case ev := <-conn.Recv():
		t.Fatalf("closed connector observed %q meant for the successor", ev.Event)
	default:
	}

	conn.Release()
}

func TestConnectorRTTSampling(t *testing.T) {
	conn := NewConnector(context.Background(), "a", 4)
	defer conn.Close()

	assert.Equal(t, model.RTTUnknown, conn.RTTMillis())
	conn.ObserveRTT(80 * time.Millisecond)
	assert.Equal(t, 80, conn.RTTMillis())
}
