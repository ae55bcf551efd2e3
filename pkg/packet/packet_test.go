package packet

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

func TestConstructors(t *testing.T) {
	ok := Ok("input", "hello")
	assert.True(t, ok.IsOk())
	assert.False(t, ok.IsDone())
	assert.Equal(t, "hello", ok.Value)

	e := Err("output", "boom")
	assert.True(t, e.IsErr())
	assert.Equal(t, "boom", e.Error)
	assert.Nil(t, e.Value)

	done := Done("output")
	assert.True(t, done.IsSignal())
	assert.True(t, done.IsDone())
	assert.False(t, done.IsOpenBracket())

	assert.True(t, OpenBracket("p").IsOpenBracket())
	assert.True(t, CloseBracket("p").IsCloseBracket())
	assert.Equal(t, "left", ok.WithPort("left").Port)
	assert.Equal(t, "input", ok.Port)
}

func TestString(t *testing.T) {
	assert.Equal(t, `ok(input, 5)`, Ok("input", 5).String())
	assert.Equal(t, `err(output, "bad")`, Err("output", "bad").String())
	assert.Equal(t, `signal(output, done)`, Done("output").String())
}

func TestDecode(t *testing.T) {
	var pair struct {
		Left  int `json:"left"`
		Right int `json:"right"`
	}
	p := Ok("input", map[string]any{"left": 5, "right": 7})
	require.NoError(t, p.Decode(&pair))
	assert.Equal(t, 5, pair.Left)
	assert.Equal(t, 7, pair.Right)

	var n int
	err := Err("input", "upstream failed").Decode(&n)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsExecution(err))
	assert.Contains(t, err.Error(), "upstream failed")

	assert.Error(t, Done("input").Decode(&n))
	assert.Error(t, Ok("input", "text").Decode(&n))
}

func TestStreamSendRecv(t *testing.T) {
	ctx := context.Background()
	s := NewStream(4)

	go func() {
		for i := 0; i < 10; i++ {
			_ = s.Send(ctx, Ok("output", i))
		}
		_ = s.Send(ctx, Done("output"))
		s.CloseSend()
	}()

	got, err := s.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 11)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, got[i].Value, "packets must arrive in send order")
	}
	assert.True(t, got[10].IsDone())

	_, err = s.Recv(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestStreamCloseWithError(t *testing.T) {
	ctx := context.Background()
	s := NewStream(2)
	require.NoError(t, s.Send(ctx, Ok("output", 1)))
	boom := errors.New("boom")
	s.CloseWithError(boom)

	got, err := s.Collect(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 1)
}

func TestStreamConsumerClose(t *testing.T) {
	ctx := context.Background()
	s := NewStream(1)
	require.NoError(t, s.Send(ctx, Ok("output", 1)))

	sent := make(chan error, 1)
	go func() { sent <- s.Send(ctx, Ok("output", 2)) }()

	s.Close()
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("send did not observe consumer close")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestStreamSendAfterCloseSend(t *testing.T) {
	s := NewStream(1)
	s.CloseSend()
	s.CloseSend()
	assert.ErrorIs(t, s.Send(context.Background(), Ok("x", 1)), ErrStreamClosed)
}

func TestStreamRecvHonoursContext(t *testing.T) {
	s := NewStream(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromPackets(t *testing.T) {
	want := []Packet{Ok("input", "hello"), Done("input")}
	got, err := FromPackets(want...).Collect(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected packets (-want +got):\n%s", diff)
	}

	empty, err := Empty().Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGoRecoversPanic(t *testing.T) {
	ctx := context.Background()
	s := NewStream(1)
	Go(ctx, s, func(ctx context.Context) error {
		panic("kaboom")
	})
	_, err := s.Collect(ctx)
	assert.ErrorIs(t, err, sdkerrors.ErrOperationPanicked)
	assert.Equal(t, "Operation panicked", err.Error())
}

func TestGoClosesWithReturnedError(t *testing.T) {
	ctx := context.Background()
	s := NewStream(2)
	boom := errors.New("boom")
	Go(ctx, s, func(ctx context.Context) error {
		_ = s.Send(ctx, Ok("output", 1))
		return boom
	})
	got, err := s.Collect(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 1)
}

func TestQueuePump(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	for i := 0; i < 100; i++ {
		assert.True(t, q.Push(Ok("p", i)))
	}
	q.Close()
	assert.False(t, q.Push(Ok("p", 100)))
	assert.True(t, q.Closed())

	s := NewStream(1)
	go q.Pump(ctx, s)
	got, err := s.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 100)
	assert.Equal(t, 99, got[99].Value)
	assert.Equal(t, 0, q.Len())
}

func TestQueueFail(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	s := NewStream(1)
	go q.Pump(ctx, s)

	q.Push(Ok("p", 1))
	boom := errors.New("boom")
	q.Fail(boom)

	got, err := s.Collect(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 1)
}

func TestSplitAndJoin(t *testing.T) {
	ctx := context.Background()
	in := FromPackets(
		Ok("left", 1),
		Ok("right", 2),
		Ok("ignored", 3),
		Ok("left", 4),
		Done("left"),
		Done("right"),
	)

	m := Split(ctx, in, 1, "left", "right")
	assert.Equal(t, []string{"left", "right"}, m.Ports())

	// Reading right first must not block on left's backlog.
	right, _ := m.Lookup("right")
	rightPackets, err := right.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Packet{Ok("right", 2), Done("right")}, rightPackets)

	left, _ := m.Lookup("left")
	leftPackets, err := left.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Packet{Ok("left", 1), Ok("left", 4), Done("left")}, leftPackets)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	m := NewStreamMap(4)
	a := m.Stream("a")
	b := m.Stream("b")
	go func() {
		_ = a.Send(ctx, Ok("a", 1))
		_ = a.Send(ctx, Ok("a", 2))
		a.CloseSend()
	}()
	go func() {
		_ = b.Send(ctx, Ok("b", 3))
		b.CloseSend()
	}()

	got, err := m.Join(ctx).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	var aValues []any
	for _, p := range got {
		if p.Port == "a" {
			aValues = append(aValues, p.Value)
		}
	}
	assert.Equal(t, []any{1, 2}, aValues)
}
