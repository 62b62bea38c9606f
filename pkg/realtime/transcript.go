package realtime

import "github.com/teachflow/teachflow-live/pkg/wire"

// transcript is the ordered message list of one session. Chat messages are
// deduplicated by ID; system notices carry no ID and always append.
type transcript struct {
	msgs []wire.ChatMessage
	ids  map[string]struct{}
}

func newTranscript() *transcript {
	return &transcript{ids: make(map[string]struct{})}
}

// replace swaps the whole list, as a history payload does.
func (t *transcript) replace(msgs []wire.ChatMessage) {
	t.reset()
	for _, m := range msgs {
		t.append(m)
	}
}

func (t *transcript) append(m wire.ChatMessage) bool {
	if m.ID != "" {
		if _, dup := t.ids[m.ID]; dup {
			return false
		}
		t.ids[m.ID] = struct{}{}
	}
	t.msgs = append(t.msgs, m)
	return true
}

func (t *transcript) reset() {
	t.msgs = nil
	t.ids = make(map[string]struct{})
}

func (t *transcript) snapshot() []wire.ChatMessage {
	out := make([]wire.ChatMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}
