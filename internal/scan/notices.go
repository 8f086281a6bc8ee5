package scan

import "time"

const (
	errorNoticeTTL   = 5 * time.Second
	successNoticeTTL = 3 * time.Second
)

// NoticeLevel is either "error" or "success"
type NoticeLevel string

const (
	NoticeError   NoticeLevel = "error"
	NoticeSuccess NoticeLevel = "success"
)

// Notice is a transient user-visible message
type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	Kind      ErrorKind   `json:"kind,omitempty"`
	Message   string      `json:"message"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// notices holds the messages of one session. Expired notices are dropped lazily.
// Not safe for concurrent use; the owning Session locks around it.
type notices struct {
	items []Notice
	ids   IDGenerator
	clock TimeSource
}

func (n *notices) success(message string) Notice {
	return n.add(Notice{Level: NoticeSuccess, Message: message}, successNoticeTTL)
}

func (n *notices) failure(err error) Notice {
	return n.add(Notice{Level: NoticeError, Kind: KindOf(err), Message: MessageOf(err)}, errorNoticeTTL)
}

func (n *notices) add(notice Notice, ttl time.Duration) Notice {
	notice.ID = n.ids.Generate()
	notice.ExpiresAt = n.clock.Now().Add(ttl)
	n.items = append(n.items, notice)
	return notice
}

func (n *notices) dismiss(id string) bool {
	for i := range n.items {
		if n.items[i].ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return true
		}
	}
	return false
}

func (n *notices) clearErrors() {
	kept := n.items[:0]
	for _, item := range n.items {
		if item.Level != NoticeError {
			kept = append(kept, item)
		}
	}
	n.items = kept
}

func (n *notices) reset() {
	n.items = nil
}

// active prunes expired notices and returns a copy of the rest
func (n *notices) active() []Notice {
	now := n.clock.Now()
	kept := n.items[:0]
	for _, item := range n.items {
		if now.Before(item.ExpiresAt) {
			kept = append(kept, item)
		}
	}
	n.items = kept
	out := make([]Notice, len(kept))
	copy(out, kept)
	return out
}
