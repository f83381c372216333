// Copyright 2024-2026 Aiku AI

package chat

import "github.com/aiku/chatcore/pkg/chat/topic"

// Receipt reconciliation. Receipts are cumulative watermarks, not
// per-message acks: a receipt for id N acknowledges every message with
// id <= N from that participant, so each pass re-evaluates the whole range
// for promotion, not only the message the receipt names.

// markDelivered applies a delivery receipt from actor to the room and
// returns the messages whose status actually changed. localEmail is the
// account's own identity; the local user never counts toward aggregate
// delivery.
func markDelivered(room *Room, actor, localEmail string, receipt topic.Receipt) []*Message {
	return reconcile(room, actor, localEmail, receipt, StatusDelivered)
}

// markRead applies a read receipt. Read implies delivered, and a message
// already read never regresses regardless of event ordering.
func markRead(room *Room, actor, localEmail string, receipt topic.Receipt) []*Message {
	return reconcile(room, actor, localEmail, receipt, StatusRead)
}

func reconcile(room *Room, actor, localEmail string, receipt topic.Receipt, target Status) []*Message {
	p := room.FindParticipant(actor)
	if p == nil {
		// Participants not loaded (or unknown actor): fall back to
		// unconditionally marking the named message. This mirrors the
		// behavior for rooms whose member list hasn't been fetched yet.
		return promoteOne(room, receipt, target)
	}

	// Watermarks only advance.
	switch target {
	case StatusRead:
		if receipt.MessageID > p.LastReadMessageID {
			p.LastReadMessageID = receipt.MessageID
		}
		if receipt.MessageID > p.LastReceivedMessageID {
			p.LastReceivedMessageID = receipt.MessageID
		}
	case StatusDelivered:
		if receipt.MessageID > p.LastReceivedMessageID {
			p.LastReceivedMessageID = receipt.MessageID
		}
	}

	var changed []*Message
	for _, m := range room.Messages {
		if m.ID <= 0 || m.ID > receipt.MessageID {
			continue
		}
		if m.Status < StatusSent || m.Status.atLeast(target) {
			continue
		}
		if roomAcknowledged(room, localEmail, m.ID, target) {
			m.Status = target
			changed = append(changed, m)
			continue
		}
		// A read receipt advanced the received watermark too, so the
		// delivered aggregate can complete in the same pass even when the
		// read aggregate does not.
		if target == StatusRead && !m.Status.atLeast(StatusDelivered) &&
			roomAcknowledged(room, localEmail, m.ID, StatusDelivered) {
			m.Status = StatusDelivered
			changed = append(changed, m)
		}
	}
	return changed
}

// roomAcknowledged reports whether every participant other than the local
// user has acknowledged the message id at the target level.
func roomAcknowledged(room *Room, localEmail string, messageID int64, target Status) bool {
	for _, p := range room.Participants {
		if p.Email == localEmail {
			continue
		}
		watermark := p.LastReceivedMessageID
		if target == StatusRead {
			watermark = p.LastReadMessageID
		}
		if watermark < messageID {
			return false
		}
	}
	return true
}

func promoteOne(room *Room, receipt topic.Receipt, target Status) []*Message {
	m := room.FindMessage(receipt.MessageID, receipt.UniqueID)
	if m == nil || m.Status < StatusSent || m.Status.atLeast(target) {
		return nil
	}
	m.Status = target
	return []*Message{m}
}
