package agent

import (
	"fmt"
	"strings"

	"github.com/nugget/switchyard/internal/chat"
)

var synthesisInstructions = map[Type]string{
	WebSearch: `Answer the question using the search results above. Cite sources inline with numbered markdown citations like [1], numbered in the order the sources are listed, and end with a reference list of the sources you cited.`,
	LocalKnowledge: `Answer the question directly from the knowledge base content above. Do not mention the knowledge base, the search, or these instructions; just give the answer.`,
	URLPull: `Answer using the page content above. When several URLs were provided, say clearly which information came from which URL. If a page title is not in the language of the question, translate it.`,
	CodeInterpreter: `Present the execution results above faithfully. Include the code that was run and its output exactly; explain what the results mean.`,
}

// SynthesisPrompt builds the single user message that asks the standard
// completion to turn an agent result into the final answer.
func SynthesisPrompt(question string, res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s agent gathered information for this question:\n\n%s\n\n", res.AgentType.DisplayName(), question)

	if res.Content != "" {
		b.WriteString("Agent results:\n")
		b.WriteString(res.Content)
		b.WriteString("\n\n")
	}
	if len(res.Items) > 0 {
		b.WriteString("Sources:\n")
		for i, it := range res.Items {
			fmt.Fprintf(&b, "[Source %d: %s]\n%s\n\n", i+1, it.Source, it.Content)
		}
	}

	if instr, ok := synthesisInstructions[res.AgentType]; ok {
		b.WriteString(instr)
	} else {
		b.WriteString("Answer the question using the information above.")
	}
	return b.String()
}

// SynthesisConversation derives the conversation sent for synthesis: the
// latest message is replaced by the synthesis prompt. conv is unchanged.
func SynthesisConversation(conv chat.Conversation, question string, res *Result) chat.Conversation {
	return conv.WithLastMessage(chat.Message{
		Role:    chat.RoleUser,
		Content: chat.Text(SynthesisPrompt(question, res)),
	})
}
