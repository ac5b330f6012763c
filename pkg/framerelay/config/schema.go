package config

import (
	"github.com/hashicorp/hcl/v2"
)

var blockSchema = []hcl.BlockHeaderSchema{
	{
		Type:       "const",
		LabelNames: []string{},
	},
	{
		Type:       "relay_client",
		LabelNames: []string{"name"},
	},
	{
		Type:       "relay_server",
		LabelNames: []string{"name"},
	},
	{
		Type:       "status_report",
		LabelNames: []string{"name"},
	},
}

var configSchema = &hcl.BodySchema{
	Blocks: blockSchema,
}
