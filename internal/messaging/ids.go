// ABOUTME: Message ID generation backed by a snowflake node.
// ABOUTME: IDs are time-ordered and unique across all conversations in a process.

package messaging

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator mints message ids. One generator is shared by every
// conversation in the process; snowflake nodes are safe for concurrent use.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for the given node id (0-1023).
// Multi-hub deployments must assign distinct node ids.
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("creating snowflake node: %w", err)
	}
	return &IDGenerator{node: node}, nil
}

// NextMessageID returns a new time-ordered message id in base36.
func (g *IDGenerator) NextMessageID() string {
	return g.node.Generate().Base36()
}
