package attacker

import (
	"github.com/wraithgate/relayproxy/proxy/internal/types"
)

// NewDefaultClientFactory creates a new DefaultClientFactory.
// This is a convenience wrapper around types.NewDefaultClientFactory.
func NewDefaultClientFactory() types.ClientFactory {
	return types.NewDefaultClientFactory()
}

