package synthesis

import (
	"fmt"
	"strings"

	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/rag"
)

// Answer formats accepted in synthesis options.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatBullets  = "bullets"
)

const systemPrompt = `You answer questions using only the numbered context passages provided.
Cite every claim with the marker of the passage that supports it, for example [1] or [2][3].
Use only markers that appear in the context. Do not invent sources.
If the context does not contain the answer, say that you do not know.`

var formatInstructions = map[string]string{
	FormatText:     "Answer in plain prose without markdown.",
	FormatMarkdown: "Format the answer as markdown.",
	FormatBullets:  "Answer as a short bulleted list, one claim per bullet.",
}

// ValidFormat reports whether f is a known answer format. Empty means text.
func ValidFormat(f string) bool {
	if f == "" {
		return true
	}
	_, ok := formatInstructions[f]
	return ok
}

// BuildMessages assembles the provider messages for q over set.
func BuildMessages(q rag.Query, set rag.EvidenceSet, opts Options) []llm.Message {
	var sys strings.Builder
	sys.WriteString(systemPrompt)

	format := opts.AnswerFormat
	if format == "" {
		format = FormatText
	}
	if inst, ok := formatInstructions[format]; ok {
		sys.WriteString("\n")
		sys.WriteString(inst)
	}
	if lang := strings.TrimSpace(q.Language); lang != "" {
		fmt.Fprintf(&sys, "\nWrite the answer in the language with tag %q.", lang)
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", rag.FormatContext(set), q.Text)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: sys.String()},
		{Role: llm.RoleUser, Content: user},
	}
}
