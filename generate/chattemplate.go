package generate

import "github.com/dopplerml/core/execplan"

// ApplyChatTemplate wraps a single user turn in one of the four literal
// formats spec.md §6 names, bit-exact. ChatTemplateNone (or any value
// this package doesn't recognize) returns the prompt unchanged.
func ApplyChatTemplate(kind execplan.ChatTemplateType, prompt string) string {
	switch kind {
	case execplan.ChatTemplateTurnBased:
		return "<start_of_turn>user\n" + prompt + "<end_of_turn>\n<start_of_turn>model\n"
	case execplan.ChatTemplateHeaderBased:
		return "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\n" + prompt +
			"<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"
	case execplan.ChatTemplateChannelBased:
		return "<|start|>user<|message|>" + prompt + "<|end|><|start|>assistant<|channel|>final<|message|>"
	case execplan.ChatTemplateChatML:
		return "<|im_start|>user\n" + prompt + "<|im_end|>\n<|im_start|>assistant\n"
	default:
		return prompt
	}
}
