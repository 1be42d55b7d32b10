package context

import (
	"fmt"
	"strings"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// Format composes an AssembledContext into {system_message, user_message,
// estimated_tokens} per §4.4's exact section ordering, then truncates the
// user message (binary search on character length) so that
// system_prompt_tokens + user_message_tokens <= tokenLimit.
func Format(ctx domain.AssembledContext, tokenLimit int) domain.FormattedContext {
	userMessage := buildUserMessage(ctx)
	systemTokens := EstimateTokens(ctx.SystemPrompt)

	if tokenLimit > 0 && systemTokens+EstimateTokens(userMessage) > tokenLimit {
		budget := tokenLimit - systemTokens
		userMessage = truncateToBudget(userMessage, budget)
	}

	return domain.FormattedContext{
		SystemMessage:   ctx.SystemPrompt,
		UserMessage:     userMessage,
		EstimatedTokens: systemTokens + EstimateTokens(userMessage),
	}
}

func buildUserMessage(ctx domain.AssembledContext) string {
	var b strings.Builder

	if len(ctx.ImportantMemories) > 0 {
		b.WriteString("## Important Memories\n")
		for i, m := range ctx.ImportantMemories {
			fmt.Fprintf(&b, "%d. %s\n", i+1, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent Conversation\n")
	for _, m := range ctx.RecentMessages {
		b.WriteString(conversationLine(m))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(ctx.RelatedMessages) > 0 {
		b.WriteString("## Related Messages from this Server\n")
		for _, m := range ctx.RelatedMessages {
			b.WriteString(conversationLine(m))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current Message\n")
	fmt.Fprintf(&b, "%s: %s\n", ctx.TriggerMessage.Username, ctx.TriggerMessage.Content)
	b.WriteString("Please respond to the current message above.")

	return b.String()
}

func conversationLine(m domain.PlatformMessage) string {
	speaker := "[User]"
	if m.IsBot {
		speaker = "[Bot]"
	}
	return fmt.Sprintf("%s %s: %s", speaker, m.Username, m.Content)
}

// truncateToBudget binary-searches the largest character-length prefix of s
// whose estimated token count fits budget, then appends an ellipsis. Returns
// s unchanged if it already fits, and just "..." when budget is zero or less.
func truncateToBudget(s string, budget int) string {
	if budget <= 0 {
		return "..."
	}
	if EstimateTokens(s) <= budget {
		return s
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		candidate := string(runes[:mid]) + "..."
		if EstimateTokens(candidate) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + "..."
}
