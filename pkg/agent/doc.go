// Package agent routes chat requests to language-model tiers with ordered fallback.
//
// Invariants:
// - Tiers form a closed set (TierFast, TierBalanced, TierDeep); unknown ordinals are rejected.
// - A dispatch makes at most MaxAttempts provider calls, following the FallbackChain.
// - Expected failures are reported through DispatchResult.ErrorKind, never as panics.
// - Caller (BYOK) credentials are resolved on every dispatch and never cached.
//
// Usage:
//
//	router, _ := agent.NewRouter(agent.RouterConfig{
//		Tiers:    agent.DefaultTiers(),
//		Fallback: agent.DefaultFallbackChain(),
//		Platform: agent.NewOpenAIProvider(key, ""),
//	})
//	res := router.Dispatch(ctx, systemPrompt, history, agent.DispatchOptions{UserMessage: "hi"})
//	_ = res
package agent
