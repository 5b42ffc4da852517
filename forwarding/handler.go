package forwarding

import (
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/task"
)

// ForwardResource is the exchange route this handler consumes.
const ForwardResource = "/fwd"

// PathedAttachment is attachment material bound to a path into the
// enclosing exchange payload.
type PathedAttachment struct {
	Pather cesr.Pather
	Atc    []byte
}

// ExnMessage is a parsed /fwd exchange: the embedded payload, the route
// modifiers, and the path qualified attachment groups.
type ExnMessage struct {
	Payload     map[string]any
	Modifiers   map[string]any
	Attachments []PathedAttachment
}

// ForwardHandler unwraps /fwd envelopes, reassembling each inner event
// from its path qualified attachments, and stores the result in the
// mailbox under "{recipient}/{topic}". It acts as a mailbox for other
// identifiers.
type ForwardHandler struct {
	log logger.Logger
	mbx MsgStorer

	// Msgs receives parsed exchange messages from the wire layer.
	Msgs *task.Deck[ExnMessage]
}

func NewForwardHandler(log logger.Logger, mbx MsgStorer) *ForwardHandler {
	return &ForwardHandler{
		log:  log,
		mbx:  mbx,
		Msgs: &task.Deck[ExnMessage]{},
	}
}

// Step processes at most one queued envelope. A message whose attachments
// resolve to nothing is diagnosed and discarded rather than stored empty.
func (h *ForwardHandler) Step() (task.Status, error) {
	msg, ok := h.Msgs.Pop()
	if !ok {
		return task.Pending, nil
	}

	recipient, _ := msg.Modifiers["pre"].(string)
	topic, _ := msg.Modifiers["topic"].(string)
	resource := recipient + "/" + topic

	var pevt []byte
	for _, pa := range msg.Attachments {
		node, err := pa.Pather.Resolve(msg.Payload)
		if err != nil {
			h.log.Infof("discarding forward for %s: %v", resource, err)
			return task.Pending, nil
		}
		ked, ok := node.(map[string]any)
		if !ok {
			h.log.Infof("discarding forward for %s: path %s is not a sad", resource, pa.Pather.Text())
			return task.Pending, nil
		}
		// canonical JSON re-serialization of the inner event
		srdr, err := cesr.NewSerderKed(ked)
		if err != nil {
			h.log.Infof("discarding forward for %s: %v", resource, err)
			return task.Pending, nil
		}
		pevt = append(pevt, srdr.Raw()...)
		pevt = append(pevt, pa.Atc...)
	}

	if len(pevt) == 0 {
		h.log.Infof("error with message, nothing to forward for %s", resource)
		return task.Pending, nil
	}

	if err := h.mbx.StoreMsg([]byte(resource), pevt); err != nil {
		return task.Pending, err
	}
	return task.Pending, nil
}
