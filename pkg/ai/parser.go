package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"storyline-server/internal/models"
)

// StripCodeFence убирает обертку ```json ... ``` (или ``` ... ```), если она есть.
func StripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	// Язык после открывающих кавычек: ```json, ```JSON и т.п.
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		if lang := strings.TrimSpace(t[:nl]); !strings.ContainsAny(lang, "{[") {
			t = t[nl+1:]
		}
	} else {
		t = strings.TrimPrefix(strings.TrimPrefix(t, "json"), "JSON")
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// PretifyResponse снимает code fence и разбирает продолжение истории.
// Любая ошибка разбора оборачивает models.ErrMalformedResponse; пустой
// результат никогда не возвращается.
func PretifyResponse(text string) (*models.Continuation, error) {
	body := StripCodeFence(text)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", models.ErrMalformedResponse)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var c models.Continuation
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrMalformedResponse, err)
	}
	// После объекта допускаются только пробелы.
	var rest bytes.Buffer
	if _, err := rest.ReadFrom(dec.Buffered()); err == nil && strings.TrimSpace(rest.String()) != "" {
		return nil, fmt.Errorf("%w: trailing content after JSON object", models.ErrMalformedResponse)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after JSON object", models.ErrMalformedResponse)
	}

	c.Description = strings.TrimSpace(c.Description)
	if c.Description == "" {
		return nil, fmt.Errorf("%w: description is missing", models.ErrMalformedResponse)
	}
	choices := c.Choices[:0]
	for _, ch := range c.Choices {
		ch.Text = strings.TrimSpace(ch.Text)
		ch.Synopsis = strings.TrimSpace(ch.Synopsis)
		if ch.Text != "" {
			choices = append(choices, ch)
		}
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", models.ErrMalformedResponse)
	}
	c.Choices = choices
	return &c, nil
}
