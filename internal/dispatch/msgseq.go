package dispatch

import (
	"sync"
	"time"

	"github.com/clawdbot/qqgateway/lru"
)

// msgSeqCapacity bounds how many inbound message ids keep a live
// counter; older ones age out LRU-style.
const msgSeqCapacity = 1000

// seqBaseMod keeps the per-process base inside the platform's accepted
// numeric range.
const seqBaseMod = 100_000_000

// MsgSeqCounter hands out a strictly increasing msg_seq per inbound
// message id, so multiple replies to one message are not rejected as
// duplicates. The base is derived from startup time: after a restart
// fresh sequences never collide with ones already delivered.
type MsgSeqCounter struct {
	mu   sync.Mutex
	base int64
	seqs *lru.Cache[string, int64]
}

func NewMsgSeqCounter() *MsgSeqCounter {
	return &MsgSeqCounter{
		base: time.Now().Unix() % seqBaseMod,
		seqs: lru.New[string, int64](msgSeqCapacity),
	}
}

// Next returns the next sequence for a reply to messageID.
func (c *MsgSeqCounter) Next(messageID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.seqs.Get(messageID)
	n++
	c.seqs.Put(messageID, n)
	return c.base + n
}

// Len reports how many message ids currently hold a counter.
func (c *MsgSeqCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs.Len()
}
