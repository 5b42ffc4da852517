package mailbox

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvdr/go-vdr/vdb"
)

func testOpenMailboxer(t *testing.T) *Mailboxer {
	t.Helper()
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)

	log := logger.Sugar.WithServiceName("mbxtest")
	db, err := vdb.Open(log, filepath.Join(t.TempDir(), "mbx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mbx, err := NewMailboxer(log, db)
	require.NoError(t, err)
	return mbx
}

func TestStoreMsgArrivalOrder(t *testing.T) {
	mbx := testOpenMailboxer(t)
	topic := []byte(uuid.NewString() + "/replay")

	for i := range 3 {
		require.NoError(t, mbx.StoreMsg(topic, fmt.Appendf(nil, "msg-%d", i)))
	}

	n, err := mbx.Cnt(topic)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := mbx.ClonePreIter(topic, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(msg))
	}

	msgs, err = mbx.ClonePreIter(topic, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-2", string(msgs[0]))
}

func TestStoreMsgTopicsAreIndependent(t *testing.T) {
	mbx := testOpenMailboxer(t)
	recp := uuid.NewString()

	require.NoError(t, mbx.StoreMsg([]byte(recp+"/replay"), []byte("replayed")))
	require.NoError(t, mbx.StoreMsg([]byte(recp+"/delegate"), []byte("delegated")))

	n, err := mbx.Cnt([]byte(recp + "/replay"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := mbx.ClonePreIter([]byte(recp+"/delegate"), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "delegated", string(msgs[0]))
}

func TestStoreMsgDeduplicatesBodies(t *testing.T) {
	mbx := testOpenMailboxer(t)
	body := []byte("same body twice")

	require.NoError(t, mbx.StoreMsg([]byte("a/t"), body))
	require.NoError(t, mbx.StoreMsg([]byte("b/t"), body))

	msgs, err := mbx.ClonePreIter([]byte("a/t"), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, body, msgs[0])
	msgs, err = mbx.ClonePreIter([]byte("b/t"), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, body, msgs[0])
}
