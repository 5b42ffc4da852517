// Package mailbox implements the store and forward message store used by
// the forwarding layer. Messages are content addressed by digest and
// indexed per topic in arrival order.
package mailbox

import (
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

var ErrMsgMissing = errors.New("a topic index entry references a missing message body")

// Mailboxer stores forwarded messages per topic. The topic index maps
// (topic, ordinal) to the message digest; bodies are stored once per
// digest, so the same message delivered on several topics is kept once.
type Mailboxer struct {
	log  logger.Logger
	db   *vdb.DB
	tpcs *vdb.Sub
	msgs *vdb.Sub
}

// NewMailboxer opens the mailbox views on an existing environment, which
// may be shared with a registry store.
func NewMailboxer(log logger.Logger, db *vdb.DB) (*Mailboxer, error) {
	tpcs, err := db.Sub("tpcs.")
	if err != nil {
		return nil, err
	}
	msgs, err := db.Sub("mbxs.")
	if err != nil {
		return nil, err
	}
	return &Mailboxer{log: log, db: db, tpcs: tpcs, msgs: msgs}, nil
}

// StoreMsg appends msg to the topic's arrival ordered index. The topic is
// the UTF-8 encoding of "{recipient}/{topic}".
func (m *Mailboxer) StoreMsg(topic []byte, msg []byte) error {
	said := cesr.SaidDigest(msg).Qb64()
	if _, err := m.msgs.Put([]byte(said), msg); err != nil {
		return err
	}
	on, err := m.tpcs.CntOrdPre(string(topic), 0)
	if err != nil {
		return err
	}
	_, err = m.tpcs.Put(vdb.SnKey(string(topic), uint64(on)), []byte(said))
	if err != nil {
		return err
	}
	m.log.Debugf("mailbox stored msg said=%s topic=%s on=%d", said, topic, on)
	return nil
}

// Cnt returns the number of messages stored under topic.
func (m *Mailboxer) Cnt(topic []byte) (int, error) {
	return m.tpcs.CntOrdPre(string(topic), 0)
}

// ClonePreIter returns the messages stored under topic in arrival order
// starting at ordinal fn.
func (m *Mailboxer) ClonePreIter(topic []byte, fn uint64) ([][]byte, error) {
	var out [][]byte
	err := m.tpcs.ScanOrdPre(string(topic), fn, func(_ uint64, said []byte) error {
		msg, found, err := m.msgs.Get(said)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: said=%s", ErrMsgMissing, said)
		}
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
