// Package forwarding implements the store and forward delivery engine: a
// queue driven poster that resolves a recipient's endpoint roles and
// delivers signed events directly or enveloped in a /fwd exchange, the
// receiving handler that unwraps such envelopes into a mailbox, and the
// introduction protocol that precedes first contact with a witness.
package forwarding

import (
	"errors"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/task"
)

var (
	ErrConfiguration = errors.New("endpoint resolution failed or peer unreachable")
	ErrNoDelegator   = errors.New("habitat has no delegator to deliver to")
	ErrUnknownSender = errors.New("no habitat for sender prefix")
)

// Role is an endpoint authorization role. Dispatch tries roles in
// priority order: controller, then agent, then mailbox, then witness.
type Role string

const (
	RoleController Role = "controller"
	RoleAgent      Role = "agent"
	RoleMailbox    Role = "mailbox"
	RoleWitness    Role = "witness"
)

// Ends maps role to endpoint identifier to URL scheme to URL. It is
// derived per dispatch, never persisted.
type Ends map[Role]map[string]map[string]string

// EndRole is one entry of a habitat's end role authorization index.
type EndRole struct {
	Cid  string
	Role Role
	Eid  string
}

// Habitat is the local identity collaborator: signer, KEL view and
// endpoint resolver for one identifier prefix.
type Habitat interface {
	// Pre is the identifier prefix.
	Pre() string
	// Prefixes are all prefixes managed by the local process.
	Prefixes() []string
	// KeverSaid is the said of the latest establishment event.
	KeverSaid() string
	// Wits is the habitat's own current witness set.
	Wits() []string
	// DestWits returns the witness set from the recipient's current key
	// state, when locally known.
	DestWits(dest string) ([]string, bool)
	// Delegator returns the delegating prefix, when delegated.
	Delegator() (string, bool)
	// GroupMemberPre returns the managing member prefix when the habitat
	// is a multisig group.
	GroupMemberPre() (string, bool)
	// EndRoles iterates the end role authorization index keyed by cid.
	EndRoles(cid string) []EndRole
	// FetchUrls returns the scheme to URL map for an endpoint provider.
	FetchUrls(eid string) map[string]string
	// ClonePreIter returns the first seen KEL messages for pre from fn.
	ClonePreIter(pre string, fn uint64) ([][]byte, error)
	// CloneEvtMsg returns the single first seen KEL message at fn with
	// its attachments.
	CloneEvtMsg(pre string, fn uint64, dig string) ([]byte, error)
	// Endorse signs serder, returning the serialization with attached
	// signature material.
	Endorse(serder *cesr.Serder, last, pipelined bool) ([]byte, error)
	// ReplyEndRole returns a signed reply asserting the end role binding
	// for cid.
	ReplyEndRole(cid string) ([]byte, error)
	// ReceiptCouples returns nontransferable receipt couples at a digest key.
	ReceiptCouples(dgkey []byte) [][]byte
	// ReceiptQuadruples returns transferable receipt quadruples at a digest key.
	ReceiptQuadruples(dgkey []byte) [][]byte
}

// Habery resolves habitats by prefix.
type Habery interface {
	Hab(pre string) (Habitat, bool)
}

// Messenger is the outbound transport collaborator. It is cooperative:
// the poster steps it until it reports idle, then tears it down.
type Messenger interface {
	// Deliver enqueues outbound bytes.
	Deliver(msg []byte)
	// Step advances in flight transmission.
	Step() (task.Status, error)
	// Idle reports whether all enqueued messages have drained.
	Idle() bool
	// Close releases transport resources.
	Close()
}

// MessengerFactory constructs a transport to one endpoint provider.
// Factories report unreachable peers with errors wrapping ErrConfiguration.
type MessengerFactory func(hab Habitat, eid string, urls map[string]string) (Messenger, error)

// MsgStorer is the mailbox store collaborator.
type MsgStorer interface {
	StoreMsg(topic []byte, msg []byte) error
}

// Chooser picks an index in [0, n). The default is uniformly random;
// tests substitute a deterministic one.
type Chooser func(n int) int
