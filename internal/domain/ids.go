package domain

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// IDGenerator is injected into every creation path.
type IDGenerator interface {
	NextOrderID() int64
	NewUUID() uuid.UUID
	OrderNumber(id int64) string
}

// SnowflakeIDGenerator issues time-sortable numeric ids and random UUIDs.
type SnowflakeIDGenerator struct {
	node *snowflake.Node
}

func NewSnowflakeIDGenerator(nodeID int64) (*SnowflakeIDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeIDGenerator{node: node}, nil
}

func (g *SnowflakeIDGenerator) NextOrderID() int64 {
	return g.node.Generate().Int64()
}

func (g *SnowflakeIDGenerator) NewUUID() uuid.UUID {
	return uuid.New()
}

// OrderNumber renders the human-facing order number, e.g. "ES-1A2B3C4D5E".
func (g *SnowflakeIDGenerator) OrderNumber(id int64) string {
	return "ES-" + strings.ToUpper(snowflake.ID(id).Base36())
}

// SequentialIDGenerator hands out predictable ids for tests and local tooling.
type SequentialIDGenerator struct {
	mu   sync.Mutex
	next int64
	uuid uint64
}

func NewSequentialIDGenerator(start int64) *SequentialIDGenerator {
	return &SequentialIDGenerator{next: start}
}

func (g *SequentialIDGenerator) NextOrderID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	return id
}

func (g *SequentialIDGenerator) NewUUID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uuid++
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], g.uuid)
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

func (g *SequentialIDGenerator) OrderNumber(id int64) string {
	return fmt.Sprintf("ES-%06d", id)
}
