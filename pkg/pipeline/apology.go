package pipeline

import "github.com/harun/warband/pkg/agent"

var apologies = map[agent.ErrorKind]string{
	agent.ErrNotConfigured:  "I'm not set up to answer yet. Please try again later.",
	agent.ErrTimeout:        "Sorry, that took too long. Please try again.",
	agent.ErrRateLimited:    "I'm getting a lot of messages right now. Give me a minute and try again.",
	agent.ErrAuthFailed:     "I couldn't reach my model with the configured key. Please check your API key.",
	agent.ErrServerError:    "My model provider is having trouble right now. Please try again shortly.",
	agent.ErrEmptyResponse:  "I came up empty on that one. Could you rephrase?",
	agent.ErrInvalidTier:    "Something is misconfigured on my side. Please try again later.",
	agent.ErrToolCallFailed: "I couldn't look that up just now. Please try again.",
	agent.ErrUnknown:        "Sorry, something went wrong. Please try again.",
}

// Apology returns the user-facing text for a failed dispatch.
func Apology(kind agent.ErrorKind) string {
	if text, ok := apologies[kind]; ok {
		return text
	}
	return apologies[agent.ErrUnknown]
}
