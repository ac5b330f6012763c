package client

import (
	"encoding/json"
	"strings"

	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
)

// Request is what calling code hands to Call. It becomes the opaque payload
// of a RELAY_REQUEST.
type Request struct {
	Method      string `json:"method"`
	UserID      string `json:"userId"`
	CommunityID string `json:"communityId"`
	Params      any    `json:"params,omitempty"`

	// Headers are added to the server's outbound call for this request only.
	Headers map[string]string `json:"-"`
}

// Result is the outcome of a call. A Result with Success false is still a
// delivered answer; only relay failures are returned as errors.
type Result = message.Result

// validate checks required fields and resolves the method to a target.
func (c *Client) validate(req Request) (string, json.RawMessage, error) {
	var missing []string
	if strings.TrimSpace(req.Method) == "" {
		missing = append(missing, "method")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(req.CommunityID) == "" {
		missing = append(missing, "communityId")
	}
	if len(missing) > 0 {
		return "", nil, framerelay.NewError(framerelay.KindInvalidRequest,
			"missing required fields: %s", strings.Join(missing, ", "))
	}

	target, ok := c.endpoints[req.Method]
	if !ok {
		return "", nil, framerelay.NewError(framerelay.KindInvalidRequest, "unknown method %q", req.Method)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", nil, framerelay.WrapError(framerelay.KindInvalidRequest, err, "params are not JSON-serializable")
	}

	return target, payload, nil
}
