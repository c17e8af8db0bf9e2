package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"storyline-server/internal/models"
)

// Envelope - проверенный запрос, готовый к диспетчеризации.
type Envelope struct {
	Kind      MessageType
	RequestID string
	UserID    int64
	// Intent заполнен для create.
	Intent *models.CreateStorylineIntent
	// Storyline заполнен для retrieve, edit и generate.
	Storyline *models.Storyline
}

// StorylineID - id целевой истории для retrieve, edit и generate.
func (e *Envelope) StorylineID() int64 {
	if e.Storyline == nil {
		return 0
	}
	return e.Storyline.ID
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// wireRequest повторяет Request, но различает отсутствующие поля и нулевые значения.
type wireRequest struct {
	MessageType *string   `json:"messageType"`
	RequestID   string    `json:"requestId"`
	Data        *wireData `json:"data"`
}

type wireData struct {
	UserID    *int64          `json:"userId"`
	Storyline json.RawMessage `json:"storyline"`
}

// Decode разбирает и проверяет текстовый фрейм.
// При ошибке возвращается *Error; Envelope при этом может быть не nil и
// содержать RequestID, чтобы ответ об ошибке можно было сопоставить с запросом.
func Decode(raw []byte) (*Envelope, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		// Поле неверного типа не должно терять requestId: клиент ждет ответ по нему.
		return &Envelope{RequestID: RequestIDOf(raw)},
			&Error{Code: CodeMalformedEnvelope, Message: "request is not a valid envelope", Err: err}
	}
	env := &Envelope{RequestID: w.RequestID}

	if w.MessageType == nil || *w.MessageType == "" {
		return env, newError(CodeMissingField, "messageType is required")
	}
	kind := MessageType(*w.MessageType)
	if !kind.Valid() {
		return env, newError(CodeInvalidMessageType, "unknown messageType %q", *w.MessageType)
	}
	env.Kind = kind

	if w.Data == nil {
		return env, newError(CodeMissingField, "data is required")
	}
	if w.Data.UserID == nil {
		return env, newError(CodeMissingField, "data.userId is required")
	}
	if *w.Data.UserID <= 0 {
		return env, newError(CodeValidationFailed, "data.userId must be a positive integer")
	}
	env.UserID = *w.Data.UserID

	if kind == MessageFetch {
		return env, nil
	}

	payload, perr := decodePayload(w.Data.Storyline)
	if perr != nil {
		return env, perr
	}

	switch kind {
	case MessageCreate:
		if payload.HasID() {
			return env, newError(CodeValidationFailed, "create expects a storyline without id")
		}
		intent := payload.Intent
		if intent.UserID == 0 {
			intent.UserID = env.UserID
		}
		if intent.UserID != env.UserID {
			return env, newError(CodeValidationFailed, "storyline.userId does not match data.userId")
		}
		if err := validateStruct(intent); err != nil {
			return env, err
		}
		env.Intent = intent

	case MessageRetrieve, MessageGenerate:
		if !payload.HasID() || payload.Storyline.ID <= 0 {
			return env, newError(CodeMissingField, "storyline.id is required for %s", kind)
		}
		env.Storyline = payload.Storyline

	case MessageEdit:
		if !payload.HasID() || payload.Storyline.ID <= 0 {
			return env, newError(CodeMissingField, "storyline.id is required for edit")
		}
		s := payload.Storyline
		if s.UserID == 0 {
			s.UserID = env.UserID
		}
		s.Normalize()
		if err := validateStruct(s); err != nil {
			return env, err
		}
		env.Storyline = s
	}

	return env, nil
}

// RequestIDOf достает верхнеуровневый requestId из фрейма, который не
// разбирается целиком. Для невалидного JSON возвращает пустую строку.
func RequestIDOf(raw []byte) string {
	var head struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(head.RequestID, &id); err != nil {
		return ""
	}
	return id
}

func decodePayload(raw json.RawMessage) (*StorylinePayload, *Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, newError(CodeMissingField, "data.storyline is required")
	}
	var p StorylinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &Error{
				Code:    CodeValidationFailed,
				Message: fmt.Sprintf("storyline.%s has wrong type %s", typeErr.Field, typeErr.Value),
				Err:     err,
			}
		}
		return nil, &Error{Code: CodeMalformedEnvelope, Message: "storyline must be an object", Err: err}
	}
	return &p, nil
}

func validateStruct(v any) *Error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Code: CodeValidationFailed, Message: err.Error(), Err: err}
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace вида "Storyline.steps[0].choice.text" без имени типа.
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return &Error{Code: CodeValidationFailed, Message: strings.Join(parts, "; "), Err: models.ErrInvalidInput}
}
