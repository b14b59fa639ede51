package gen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"clickbloom-license/pkg/config"
)

var Module = fx.Module("gen", fx.Provide(ProvideSnowflakeNode))

// SnowflakeNode hands out time-ordered, process-unique identifiers.
type SnowflakeNode struct {
	node *snowflake.Node
}

func NewSnowflakeNode(nodeID int64) (*SnowflakeNode, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeNode{node: node}, nil
}

func ProvideSnowflakeNode(cfg *config.Config) (*SnowflakeNode, error) {
	return NewSnowflakeNode(cfg.NodeID)
}

func (s *SnowflakeNode) GenerateID() snowflake.ID {
	return s.node.Generate()
}

// NewID returns the next identifier in its decimal string form.
func (s *SnowflakeNode) NewID() string {
	return s.node.Generate().String()
}
