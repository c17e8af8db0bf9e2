package models

import "time"

// StorylineStatus - стадия жизненного цикла истории.
type StorylineStatus string

const (
	StatusOngoing   StorylineStatus = "ongoing"
	StatusCompleted StorylineStatus = "completed"
	StatusAbandoned StorylineStatus = "abandoned"
)

// Valid сообщает, входит ли статус в закрытый набор значений.
func (s StorylineStatus) Valid() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// Visibility определяет, видна ли история другим пользователям.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Choice - вариант продолжения: короткий текст и синопсис того, куда он ведет.
type Choice struct {
	Text     string `json:"text" validate:"required,max=2000"`
	Synopsis string `json:"synopsis" validate:"max=2000"`
}

// Step - один шаг (глава) истории и выбор, сделанный после него.
type Step struct {
	Description string `json:"description" validate:"required"`
	Choice      Choice `json:"choice"`
}

// Storyline - история пользователя, собираемая по одному шагу.
// Steps никогда не превышает TotalSteps, если TotalSteps задан.
type Storyline struct {
	ID         int64           `json:"id" db:"id"`
	UserID     int64           `json:"userId" db:"user_id" validate:"required,gt=0"`
	Title      string          `json:"title" db:"title" validate:"required,max=200"`
	Status     StorylineStatus `json:"status" db:"status" validate:"required,oneof=ongoing completed abandoned"`
	Visibility Visibility      `json:"visibility" db:"visibility" validate:"required,oneof=public private"`
	TotalSteps *int            `json:"totalSteps" db:"total_steps" validate:"omitempty,gte=1"`
	Steps      []Step          `json:"steps" db:"steps" validate:"dive"`
	Created    time.Time       `json:"created" db:"created_at"`
	Updated    time.Time       `json:"updated" db:"updated_at"`
}

// Normalize приводит nil-срез шагов к пустому, чтобы в JSON всегда был массив.
func (s *Storyline) Normalize() {
	if s.Steps == nil {
		s.Steps = []Step{}
	}
}

// RemainingSteps возвращает число шагов, которые еще можно добавить.
// Для истории без TotalSteps используется fallback.
func (s *Storyline) RemainingSteps(fallback int) int {
	total := fallback
	if s.TotalSteps != nil {
		total = *s.TotalSteps
	}
	if left := total - len(s.Steps); left > 0 {
		return left
	}
	return 0
}

// Clone возвращает глубокую копию (шаги и TotalSteps не разделяются).
func (s *Storyline) Clone() *Storyline {
	c := *s
	if s.TotalSteps != nil {
		v := *s.TotalSteps
		c.TotalSteps = &v
	}
	if s.Steps != nil {
		c.Steps = make([]Step, len(s.Steps))
		copy(c.Steps, s.Steps)
	}
	return &c
}

// CreateStorylineIntent - история, которая еще не сохранена и не имеет id.
type CreateStorylineIntent struct {
	Title      string `json:"title" validate:"required,max=200"`
	UserID     int64  `json:"userId" validate:"required,gt=0"`
	TotalSteps *int   `json:"totalSteps" validate:"omitempty,gte=1"`
}

// Continuation - разобранный ответ модели: описание следующего шага и варианты выбора.
type Continuation struct {
	Description string   `json:"description"`
	Choices     []Choice `json:"choices"`
}

// ListOptions задает пагинацию списка историй.
type ListOptions struct {
	Limit  int
	Offset int
	// Newest сортирует по updated_at по убыванию; иначе по id по возрастанию.
	Newest bool
}

// IntPtr - хелпер для опциональных числовых полей.
func IntPtr(v int) *int { return &v }
