package notify

import (
	"fmt"
	"strconv"
	"strings"
)

// ChatID is a Telegram chat, optionally narrowed to a forum topic.
type ChatID struct {
	Primary  string
	ThreadID int64 // 0 means no topic
}

// ParseChatID accepts "<chat>" or "<chat>_<thread>", e.g. "-1001234567890_633".
func ParseChatID(s string) (ChatID, error) {
	s = strings.TrimSpace(s)
	primary, thread, hasThread := strings.Cut(s, "_")
	if primary == "" {
		return ChatID{}, fmt.Errorf("chat id %q: empty chat part", s)
	}
	if !hasThread {
		return ChatID{Primary: primary}, nil
	}
	id, err := strconv.ParseInt(thread, 10, 64)
	if err != nil || id <= 0 {
		return ChatID{}, fmt.Errorf("chat id %q: thread part must be a positive integer", s)
	}
	return ChatID{Primary: primary, ThreadID: id}, nil
}

func (c ChatID) String() string {
	if c.ThreadID == 0 {
		return c.Primary
	}
	return c.Primary + "_" + strconv.FormatInt(c.ThreadID, 10)
}
