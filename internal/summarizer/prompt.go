package summarizer

import (
	"fmt"
	"strings"
)

// SegmentPrompt builds the per-segment summarization prompt. Each segment is
// summarized independently so segments can be processed in any order.
func SegmentPrompt(transcript string) string {
	return fmt.Sprintf(`Write a concise and accurate summary of the following text.

Rules:
- Do not invent facts, dates, names or information absent from the text
- Fix obvious automatic-transcription mistakes
- Write in the third person
- Length: 200-250 words
- One continuous block of text, no lists or bullet points
- Keep every important point and key concept
- Use clear, professional language

TEXT:
%s

SUMMARY:`, transcript)
}

// SectionHeader labels one segment summary inside the combined synthesis
// prompt. Sections are numbered from 1 in segment-index order.
func SectionHeader(index int) string {
	return fmt.Sprintf("Section %d:", index+1)
}

// CombineSections joins segment summaries in the order given, each under its
// section marker.
func CombineSections(summaries []string) string {
	parts := make([]string, 0, len(summaries))
	for i, s := range summaries {
		parts = append(parts, SectionHeader(i)+" "+s)
	}
	return strings.Join(parts, "\n\n")
}

// FinalPrompt builds the synthesis prompt over the combined section
// summaries. A non-empty instruction steers the synthesis; otherwise the
// default rules apply.
func FinalPrompt(combined, instruction string) string {
	if instruction != "" {
		return fmt.Sprintf(`USER INSTRUCTIONS:
%s

SECTION SUMMARIES:
%s

Rules:
- Merge everything into one coherent, flowing text
- Do not repeat ideas already covered
- Do not add information that is not in the summaries
- Keep the logical and chronological sequence
- Follow the user instructions given above`, instruction, combined)
	}
	return fmt.Sprintf(`SECTION SUMMARIES:
%s

Rules:
- Merge everything into one coherent, flowing text
- Do not repeat ideas already covered
- Do not add information that is not in the summaries
- Keep the logical and chronological sequence
- Identify the main themes and conclusions
- At most 500 words
- One professional block of text`, combined)
}

// EstimateTokens approximates the token cost of a call for the rate limiter,
// at roughly four characters per token for prompt plus response budget.
func EstimateTokens(promptLen, maxTokens int) int64 {
	return int64((promptLen + maxTokens) / 4)
}
