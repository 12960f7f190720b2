package engine

// Capabilities is the descriptor every engine reports.
type Capabilities struct {
	Streaming           bool `json:"streaming"`
	Reasoning           bool `json:"reasoning"`
	ToolUse             bool `json:"tool_use"`
	ImageInput          bool `json:"image_input"`
	SessionContinuation bool `json:"session_continuation"`
	Approvals           bool `json:"approvals"`
}

// Sanitize drops the parts of msg the engine cannot honor: reasoning effort
// without Reasoning, images without ImageInput.
func (c Capabilities) Sanitize(msg Message) Message {
	if !c.Reasoning {
		msg.Options.Effort = ""
	}
	if !c.ImageInput {
		msg.Images = nil
	}
	return msg
}

// Supports reports whether the capability named by feature is present.
// Unknown names are unsupported.
func (c Capabilities) Supports(feature string) bool {
	switch feature {
	case "streaming":
		return c.Streaming
	case "reasoning":
		return c.Reasoning
	case "tool-use":
		return c.ToolUse
	case "image-input":
		return c.ImageInput
	case "session-continuation":
		return c.SessionContinuation
	case "approvals":
		return c.Approvals
	}
	return false
}
