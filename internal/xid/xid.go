package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dukapos/backend/internal/domain"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Generator issues device-scoped entry ids and logical timestamps. Ids embed
// the device id so entries born on different devices can never collide; when
// no device id is configured a random uuid stands in for it.
type Generator struct {
	deviceID string

	mu          sync.Mutex
	lastMillis  int64
	lastCounter int64
}

func NewGenerator(deviceID string) *Generator {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	return &Generator{deviceID: deviceID}
}

func (g *Generator) DeviceID() string {
	return g.deviceID
}

// Next returns a fresh entry id and its logical timestamp. Timestamps are
// strictly increasing per generator even when the wall clock stalls or steps
// backwards.
func (g *Generator) Next() (string, domain.LogicalTime) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now > g.lastMillis {
		g.lastMillis = now
		g.lastCounter = 0
	} else {
		g.lastCounter++
	}
	ts := domain.LogicalTime{WallMillis: g.lastMillis, Counter: g.lastCounter}
	return fmt.Sprintf("%s-%013d-%04d", g.deviceID, ts.WallMillis, ts.Counter), ts
}
