package ai

import (
	"fmt"
	"strings"

	"storyline-server/internal/models"
)

const jsonContract = `Respond with a single JSON object with exactly two fields:
{
  "description": "the scene for this chapter",
  "choices": [
    {"text": "what the reader can do next", "synopsis": "a short hint of where it leads"}
  ]
}
Return only the JSON object. Do not wrap it in code fences or markdown, and do not add any text before or after it.`

// PromptBuilder строит промпт для следующего шага истории.
// Результат зависит только от Title и Steps истории (и TotalSteps, если задан).
type PromptBuilder struct {
	Choices           int
	DefaultTotalSteps int
}

// BuildPrompt возвращает вступительный промпт для истории без шагов
// и промпт продолжения в остальных случаях.
func (b PromptBuilder) BuildPrompt(s *models.Storyline) string {
	total := b.DefaultTotalSteps
	if s.TotalSteps != nil {
		total = *s.TotalSteps
	}
	choices := b.Choices
	if choices < 1 {
		choices = 1
	}

	if len(s.Steps) == 0 {
		return b.openingPrompt(s.Title, total, choices)
	}
	return b.continuationPrompt(s, total, choices)
}

func (b PromptBuilder) openingPrompt(title string, total, choices int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Craft an immersive storyline titled %q that unfolds over %d connected chapters.\n", title, total)
	sb.WriteString("Each chapter deepens the atmosphere, the characters and the central conflict, building toward a resolution in the last chapter.\n\n")
	sb.WriteString("Write the introduction: the first chapter. Set the scene, introduce the protagonist and hint at the looming conflict.\n")
	fmt.Fprintf(&sb, "Offer exactly %d distinct choices. Each choice must change the direction of the story in a meaningful way.\n\n", choices)
	sb.WriteString(jsonContract)
	return sb.String()
}

func (b PromptBuilder) continuationPrompt(s *models.Storyline, total, choices int) string {
	chapter := len(s.Steps) + 1
	remaining := total - chapter
	last := s.Steps[len(s.Steps)-1]

	descriptions := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		descriptions[i] = strings.TrimSpace(step.Description)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Continue the storyline titled %q.\n", s.Title)
	fmt.Fprintf(&sb, "The story so far: %s\n", strings.Join(descriptions, " "))
	fmt.Fprintf(&sb, "The last choice taken was: %q.\n", last.Choice.Text)
	if last.Choice.Synopsis != "" {
		fmt.Fprintf(&sb, "It was expected to lead to: %q.\n", last.Choice.Synopsis)
	}
	sb.WriteString("\n")

	if remaining <= 0 {
		fmt.Fprintf(&sb, "This is the final chapter (chapter %d of %d). Resolve the narrative instead of continuing it: ", chapter, total)
		sb.WriteString("close the central conflict and the character arcs in a way that follows from the choices made.\n")
		fmt.Fprintf(&sb, "Offer exactly %d choices that each give the story a different, conclusive ending.\n\n", choices)
	} else {
		fmt.Fprintf(&sb, "Write chapter %d of %d. %d chapter(s) remain after this one, so raise the tension and keep the ending in sight.\n", chapter, total, remaining)
		fmt.Fprintf(&sb, "Offer exactly %d choices that follow from the scene and lead the story forward.\n\n", choices)
	}
	sb.WriteString(jsonContract)
	return sb.String()
}
