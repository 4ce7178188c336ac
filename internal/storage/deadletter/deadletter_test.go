package deadletter

import (
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgOn(queue string) *types.Message {
	return types.NewMessage(queue, "do_work", []any{"x"}, nil, types.MessageOptions{})
}

func exerciseSink(t *testing.T, s Sink) {
	t.Helper()

	a, b, c := msgOn("zeta"), msgOn("alpha"), msgOn("zeta")
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))
	require.NoError(t, s.Put(c))

	assert.Equal(t, 3, s.Len())

	got, err := s.List("zeta")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0], "stored verbatim, in arrival order")
	assert.Equal(t, c, got[1])

	// Listing every queue keeps global arrival order, not queue-name order
	all, err := s.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []types.MessageID{a.MessageID, b.MessageID, c.MessageID},
		[]types.MessageID{all[0].MessageID, all[1].MessageID, all[2].MessageID})

	none, err := s.List("missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(a), ErrClosed)
}

func TestMemorySink(t *testing.T) {
	exerciseSink(t, NewMemory())
}

func TestBoltSink(t *testing.T) {
	s, err := NewBolt(&Options{Path: filepath.Join(t.TempDir(), "dead.db")})
	require.NoError(t, err)
	exerciseSink(t, s)
}

func TestBoltSinkProtoCodecSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")

	s, err := NewBolt(&Options{Path: path, Codec: codec.Proto{}})
	require.NoError(t, err)
	msg := msgOn("default")
	require.NoError(t, s.Put(msg))
	require.NoError(t, s.Close())

	reopened, err := NewBolt(&Options{Path: path, Codec: codec.Proto{}})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List("default")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.MessageID, got[0].MessageID)
	assert.Equal(t, 1, reopened.Len())
}

func TestMemorySinkReturnsCopies(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put(msgOn("default")))

	got, _ := s.List("default")
	got[0].Args[0] = "mutated"

	again, _ := s.List("default")
	assert.Equal(t, "x", again[0].Args[0])
}
