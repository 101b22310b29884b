package pool

import (
	"fmt"

	"promptline/internal/domain"
)

const promptTemplate = `Prompt Template: Generate a academic abstract of 150 to 300 words on the topic "%s". ` +
	`Use a formal academic tone emphasizing clarity, objectivity, and technical accuracy. ` +
	`Avoid suggestions, conversational language, and introductory framing. The response should contain all the field ` +
	`/{model name :"<model name>"  Core_Model: "<core model name>" Title: "<title content>" ` +
	`Abstract: "<abstract content>" Keywords: "<comma-separated keywords>"} use valid json format.`

// Prompt renders the writing task shown to the user for item.
func Prompt(item domain.Item) string {
	return fmt.Sprintf(promptTemplate, item.Title)
}
