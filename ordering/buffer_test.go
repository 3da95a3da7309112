package ordering

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aecra/msgcluster/raftmsg"
)

func newTestBuffer(t *testing.T, delivered *[]raftmsg.Message) (*Buffer, *time.Time) {
	t.Helper()
	clock := time.Unix(1000, 0)
	b := New(5*time.Second, func(msg raftmsg.Message) {
		*delivered = append(*delivered, msg)
	}, zerolog.Nop())
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestReorderedMessagesDeliverInTimestampOrder(t *testing.T) {
	var delivered []raftmsg.Message
	b, clock := newTestBuffer(t, &delivered)

	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 100.0})
	*clock = clock.Add(time.Second)
	b.Add(raftmsg.Message{Sender: "a", MsgID: "m2", CorrectedTs: 99.5})

	*clock = clock.Add(6 * time.Second)
	b.Tick()

	require.Len(t, delivered, 2)
	require.Equal(t, "m2", delivered[0].MsgID)
	require.Equal(t, "m1", delivered[1].MsgID)
}

func TestTickHoldsBackUntilWindowElapses(t *testing.T) {
	var delivered []raftmsg.Message
	b, clock := newTestBuffer(t, &delivered)

	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 100.0})
	b.Tick()
	require.Len(t, delivered, 0)

	*clock = clock.Add(5 * time.Second)
	b.Tick()
	require.Len(t, delivered, 1)
}

func TestDuplicateMsgIDIsDropped(t *testing.T) {
	var delivered []raftmsg.Message
	b, clock := newTestBuffer(t, &delivered)

	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 1})
	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 2})

	*clock = clock.Add(5 * time.Second)
	b.Tick()
	require.Len(t, delivered, 1)
}

func TestForceDeliveryReleasesEverythingAndCounts(t *testing.T) {
	var delivered []raftmsg.Message
	b, _ := newTestBuffer(t, &delivered)

	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 1})
	b.Add(raftmsg.Message{Sender: "b", MsgID: "m2", CorrectedTs: 2})

	released := b.ForceDelivery()
	require.Equal(t, 2, released)
	require.Len(t, delivered, 2)

	status := b.Status(5)
	require.Equal(t, 1, status.ForceCnt)
	require.Equal(t, 0, status.Occupancy)
}

func TestStatusReportsOccupancyAndSample(t *testing.T) {
	var delivered []raftmsg.Message
	b, _ := newTestBuffer(t, &delivered)

	b.Add(raftmsg.Message{Sender: "a", MsgID: "m1", CorrectedTs: 1})
	b.Add(raftmsg.Message{Sender: "a", MsgID: "m2", CorrectedTs: 2})

	status := b.Status(1)
	require.Equal(t, 2, status.Occupancy)
	require.Len(t, status.NextSample, 1)
}
