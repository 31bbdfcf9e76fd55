package guildhall

import "github.com/rs/zerolog"

// correlator pairs a new_message frame with the new_notification frame that
// follows it. The upstream protocol carries no correlation key between the
// two: a notification belongs to the most recent still-unmatched message.
// The buffer holds exactly one slot, so a second message arriving before its
// notification replaces the first, and the replaced message never produces a
// messageCreate event. Upstream behaves this way under bursts; keeping the
// slot at capacity one preserves that behavior instead of guessing at pairs
// the protocol does not define.
type correlator struct {
	log     *zerolog.Logger
	pending *Message
}

func newCorrelator(logger *zerolog.Logger) *correlator {
	return &correlator{log: logger}
}

// messageCreated stages m until its channel notification arrives, replacing
// any unmatched predecessor.
func (b *correlator) messageCreated(m Message) {
	if b.pending != nil {
		b.log.Debug().Str("message_id", b.pending.ID).Msg("unmatched message replaced before correlation")
	}
	b.pending = &m
}

// notificationReceived resolves the staged message against the notification's
// channel identifier. The second return is false for an orphaned
// notification, which produces no client event.
func (b *correlator) notificationReceived(n Notification) (Message, bool) {
	if b.pending == nil {
		b.log.Debug().Str("channel_id", n.ID).Msg("notification with no pending message dropped")
		return Message{}, false
	}
	m := *b.pending
	m.ChannelID = n.ID
	b.pending = nil
	return m, true
}
