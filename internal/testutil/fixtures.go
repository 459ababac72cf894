package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/dreamhouse/questd/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// QuestFixture returns an enabled quest with one condition and one command.
func QuestFixture(title string, trigger core.TriggerType) *core.Quest {
	q := core.NewQuest(title, trigger)
	q.Description = "fixture quest"
	q.Enabled = true
	q.Conditions = []core.Condition{{Condition: "reply_contains", Value: "hello"}}
	q.Commands = []core.Command{{Cmd: "like_post"}}
	return q
}

// ReplyEvent returns a reply event from handle with a post reference.
func ReplyEvent(handle, text string) core.Event {
	id := RandomID()
	return core.Event{
		Source:     core.TriggerBskyReply,
		Handle:     handle,
		DID:        "did:plc:" + id,
		Text:       text,
		URI:        "at://did:plc:" + id + "/app.bsky.feed.post/" + id,
		CID:        "bafy" + id,
		RootURI:    "at://did:plc:root/app.bsky.feed.post/root",
		RootCID:    "bafyroot",
		ReceivedAt: time.Now(),
	}
}
