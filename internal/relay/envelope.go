package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

func encodeReq(id SubscriptionID, filters nostr.Filters) ([]byte, error) {
	env := nostr.ReqEnvelope{SubscriptionID: string(id), Filters: filters}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode REQ %s: %w", id, err)
	}
	return data, nil
}

func encodeClose(id SubscriptionID) ([]byte, error) {
	env := nostr.CloseEnvelope(id)
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode CLOSE %s: %w", id, err)
	}
	return data, nil
}

// decodeFrame maps one relay frame onto a Notification. ok is false for
// frames that are not valid NIP-01 messages.
func decodeFrame(relayURL string, data []byte) (n Notification, ok bool) {
	n.RelayURL = relayURL

	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		ev := env.Event
		n.Type = NotificationEvent
		n.Label = "EVENT"
		n.Event = &ev
		if env.SubscriptionID != nil {
			n.SubscriptionID = SubscriptionID(*env.SubscriptionID)
		}
	case *nostr.NoticeEnvelope:
		n.Type = NotificationMessage
		n.Label = "NOTICE"
		n.Message = string(*env)
	case *nostr.EOSEEnvelope:
		n.Type = NotificationOther
		n.Label = "EOSE"
		n.SubscriptionID = SubscriptionID(*env)
	case *nostr.ClosedEnvelope:
		n.Type = NotificationOther
		n.Label = "CLOSED"
		n.SubscriptionID = SubscriptionID(env.SubscriptionID)
		n.Message = env.Reason
	case *nostr.OKEnvelope:
		n.Type = NotificationOther
		n.Label = "OK"
		n.Message = env.Reason
	case *nostr.AuthEnvelope:
		n.Type = NotificationOther
		n.Label = "AUTH"
	case nil:
		return n, false
	default:
		n.Type = NotificationOther
		n.Label = env.Label()
	}

	return n, true
}
