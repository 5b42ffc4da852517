package forwarding

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/task"
)

// Request is one queued delivery: envelope and forward serder to dest on
// topic, from src (or the explicit habitat when given).
type Request struct {
	Src        string
	Dest       string
	Topic      string
	Serder     *cesr.Serder
	Attachment []byte
	Hab        Habitat
}

// Cue acknowledges one completed delivery.
type Cue struct {
	Dest  string
	Topic string
	Said  string
}

type delivery struct {
	messenger Messenger
	cue       *Cue
}

// Poster is the queue driven dispatcher. It resolves the recipient's
// endpoint roles and either sends the raw event directly (controller and
// agent roles) or envelopes it in a /fwd exchange for store and forward
// (mailbox and witness roles). One cooperative step advances at most one
// unit of work: an in flight messenger, or one dequeued request.
type Poster struct {
	log     logger.Logger
	hby     Habery
	mbx     MsgStorer
	factory MessengerFactory
	choose  Chooser
	clock   func() cesr.Dater

	// Evts holds inbound delivery requests in FIFO order. Cues receives
	// an acknowledgement strictly after a dispatch completes.
	Evts *task.Deck[Request]
	Cues *task.Deck[Cue]

	pending *delivery
}

type PosterOption func(*Poster)

// WithMailbox provides the local mailbox store, enabling the short
// circuit when the local process is itself one of the target mailboxes.
func WithMailbox(mbx MsgStorer) PosterOption {
	return func(p *Poster) { p.mbx = mbx }
}

// WithChooser replaces the uniform random endpoint chooser.
func WithChooser(c Chooser) PosterOption {
	return func(p *Poster) { p.choose = c }
}

// WithClock replaces the timestamp source for envelope construction.
func WithClock(clock func() cesr.Dater) PosterOption {
	return func(p *Poster) { p.clock = clock }
}

func NewPoster(log logger.Logger, hby Habery, factory MessengerFactory, opts ...PosterOption) *Poster {
	p := &Poster{
		log:     log,
		hby:     hby,
		factory: factory,
		choose:  rand.Intn,
		clock:   cesr.NowDater,
		Evts:    &task.Deck[Request]{},
		Cues:    &task.Deck[Cue]{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Send queues a delivery request. When src is empty it is taken from the
// habitat.
func (p *Poster) Send(req Request) {
	if req.Src == "" && req.Hab != nil {
		req.Src = req.Hab.Pre()
	}
	p.Evts.Push(req)
}

// Step advances the poster by one unit of work. Configuration errors are
// logged and the offending request dropped so one bad recipient cannot
// stall the queue; all other dispatch errors propagate.
func (p *Poster) Step() (task.Status, error) {
	if p.pending != nil {
		return p.stepPending()
	}

	evt, ok := p.Evts.Pop()
	if !ok {
		return task.Pending, nil
	}
	if err := p.dispatch(evt); err != nil {
		if errors.Is(err, ErrConfiguration) {
			p.log.Infof("dropping send to %s: %v", evt.Dest, err)
			return task.Pending, nil
		}
		return task.Pending, err
	}
	return task.Pending, nil
}

func (p *Poster) stepPending() (task.Status, error) {
	d := p.pending
	if _, err := d.messenger.Step(); err != nil {
		d.messenger.Close()
		p.pending = nil
		return task.Pending, err
	}
	if !d.messenger.Idle() {
		return task.Pending, nil
	}
	d.messenger.Close()
	p.pending = nil
	if d.cue != nil {
		p.Cues.Push(*d.cue)
	}
	return task.Pending, nil
}

func (p *Poster) dispatch(evt Request) error {
	hab := evt.Hab
	if hab == nil {
		var ok bool
		if hab, ok = p.hby.Hab(evt.Src); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSender, evt.Src)
		}
	}

	ends := EndsFor(hab, evt.Dest)
	switch {
	case len(ends[RoleController]) > 0:
		return p.sendDirect(hab, ends[RoleController], evt)
	case len(ends[RoleAgent]) > 0:
		return p.sendDirect(hab, ends[RoleAgent], evt)
	case len(ends[RoleMailbox]) > 0:
		return p.forward(hab, ends[RoleMailbox], evt)
	case len(ends[RoleWitness]) > 0:
		return p.forward(hab, ends[RoleWitness], evt)
	default:
		p.log.Infof("no end roles for %s to send evt on topic %s", evt.Dest, evt.Topic)
		return nil
	}
}

// EndsFor derives the recipient's endpoint map from the habitat's end
// role authorization index, overlaying the witness role with the witness
// set from the recipient's current key state when known. The returned map
// always contains the witness key, possibly empty.
func EndsFor(hab Habitat, dest string) Ends {
	ends := Ends{}
	for _, er := range hab.EndRoles(dest) {
		if ends[er.Role] == nil {
			ends[er.Role] = map[string]map[string]string{}
		}
		ends[er.Role][er.Eid] = hab.FetchUrls(er.Eid)
	}

	ends[RoleWitness] = map[string]map[string]string{}
	if wits, ok := hab.DestWits(dest); ok {
		for _, eid := range wits {
			ends[RoleWitness][eid] = hab.FetchUrls(eid)
		}
	}
	return ends
}

// chooseEnd picks one (eid, urls) pair uniformly over the candidate set
// at the moment of dispatch.
func (p *Poster) chooseEnd(ends map[string]map[string]string) (string, map[string]string) {
	eids := make([]string, 0, len(ends))
	for eid := range ends {
		eids = append(eids, eid)
	}
	slices.Sort(eids)
	eid := eids[p.choose(len(eids))]
	return eid, ends[eid]
}

// sendDirect delivers the raw serialized event, with any attachment, to a
// controller or agent endpoint.
func (p *Poster) sendDirect(hab Habitat, ends map[string]map[string]string, evt Request) error {
	eid, locs := p.chooseEnd(ends)
	witer, err := p.factory(hab, eid, locs)
	if err != nil {
		return err
	}

	msg := evt.Serder.Raw()
	msg = append(msg, evt.Attachment...)
	witer.Deliver(msg)

	p.pending = &delivery{
		messenger: witer,
		cue:       &Cue{Dest: evt.Dest, Topic: evt.Topic, Said: evt.Serder.Said()},
	}
	return nil
}

// forward envelopes the event in a /fwd exchange endorsed by the sending
// habitat and delivers it to a mailbox or witness for store and forward.
//
// When the local process is itself one of the target mailboxes the message
// is stored directly under "{recp}/{topic}" and no cue is appended, so
// SendEvent waiters cannot complete in that topology.
func (p *Poster) forward(hab Habitat, ends map[string]map[string]string, evt Request) error {
	if p.mbx != nil {
		for _, pre := range hab.Prefixes() {
			if _, ok := ends[pre]; !ok {
				continue
			}
			msg := evt.Serder.Raw()
			msg = append(msg, evt.Attachment...)
			return p.mbx.StoreMsg([]byte(evt.Dest+"/"+evt.Topic), msg)
		}
	}

	eid, urls := p.chooseEnd(ends)
	intro, err := Introduce(hab, eid)
	if err != nil {
		return err
	}

	fwd, err := cesr.Exchange("/fwd",
		map[string]any{"pre": evt.Dest, "topic": evt.Topic}, evt.Serder.Ked(), p.clock())
	if err != nil {
		return err
	}
	atc, err := hab.Endorse(fwd, true, false)
	if err != nil {
		return err
	}

	// transpose the original attachments under the `a` field so a
	// recipient evaluating that path reaches the inner event
	if evt.Attachment != nil {
		pather, err := cesr.NewPather("a")
		if err != nil {
			return err
		}
		pathed := []byte(pather.Qb64())
		pathed = append(pathed, evt.Attachment...)
		framed, err := cesr.FrameQuadlets(cesr.PathedMaterialQuadlets, pathed)
		if err != nil {
			return err
		}
		atc = append(atc, framed...)
	}
	framed, err := cesr.FrameAttachments(atc)
	if err != nil {
		return err
	}

	witer, err := p.factory(hab, eid, urls)
	if err != nil {
		return err
	}
	msg := append(intro, fwd.Raw()...)
	msg = append(msg, framed...)
	witer.Deliver(msg)

	p.pending = &delivery{
		messenger: witer,
		cue:       &Cue{Dest: evt.Dest, Topic: evt.Topic, Said: evt.Serder.Said()},
	}
	return nil
}

// SendEvent queues the habitat's first seen event at fn for delivery to
// its delegator and returns a waiter that completes when the matching cue
// is observed.
func (p *Poster) SendEvent(hab Habitat, fn uint64) (*EventWaiter, error) {
	icp, err := hab.CloneEvtMsg(hab.Pre(), fn, hab.KeverSaid())
	if err != nil {
		return nil, err
	}
	ser, err := cesr.NewSerderRaw(icp)
	if err != nil {
		return nil, err
	}
	atc := icp[ser.Size():]

	sender := hab.Pre()
	if member, ok := hab.GroupMemberPre(); ok {
		sender = member
	}
	dest, ok := hab.Delegator()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDelegator, hab.Pre())
	}

	p.Send(Request{Src: sender, Dest: dest, Topic: "delegate", Serder: ser, Attachment: atc, Hab: hab})
	return &EventWaiter{p: p, said: ser.Said()}, nil
}

// EventWaiter completes when its said is cued. Unmatched cues are
// replaced onto the queue for other waiters.
type EventWaiter struct {
	p    *Poster
	said string
}

func (w *EventWaiter) Step() (task.Status, error) {
	for range w.p.Cues.Len() {
		cue, _ := w.p.Cues.Pop()
		if cue.Said == w.said {
			return task.Done, nil
		}
		w.p.Cues.Push(cue)
	}
	return task.Pending, nil
}
