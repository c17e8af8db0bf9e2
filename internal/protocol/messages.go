// Package protocol описывает сообщения, которыми клиент и сервер обмениваются
// по WebSocket, и правила их проверки.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	"storyline-server/internal/models"
)

// MessageType - закрытый набор типов запросов.
type MessageType string

const (
	MessageFetch    MessageType = "fetch"
	MessageCreate   MessageType = "create"
	MessageRetrieve MessageType = "retrieve"
	MessageEdit     MessageType = "edit"
	MessageGenerate MessageType = "generate"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageFetch, MessageCreate, MessageRetrieve, MessageEdit, MessageGenerate:
		return true
	}
	return false
}

// Request - сообщение клиент -> сервер.
type Request struct {
	MessageType MessageType `json:"messageType"`
	// RequestID необязателен и возвращается сервером в ответе без изменений.
	RequestID string      `json:"requestId,omitempty"`
	Data      RequestData `json:"data"`
}

type RequestData struct {
	UserID    int64             `json:"userId"`
	Storyline *StorylinePayload `json:"storyline,omitempty"`
}

// StorylinePayload - размеченное объединение: полная история (есть id)
// или намерение создать новую (id нет). Ровно одно поле не nil.
type StorylinePayload struct {
	Storyline *models.Storyline
	Intent    *models.CreateStorylineIntent
}

// HasID сообщает, что payload - полная история.
func (p *StorylinePayload) HasID() bool {
	return p != nil && p.Storyline != nil
}

var errEmptyPayload = errors.New("storyline payload has no variant set")

func (p StorylinePayload) MarshalJSON() ([]byte, error) {
	switch {
	case p.Storyline != nil:
		return json.Marshal(p.Storyline)
	case p.Intent != nil:
		return json.Marshal(p.Intent)
	}
	return nil, errEmptyPayload
}

// UnmarshalJSON выбирает вариант по наличию ключа "id".
func (p *StorylinePayload) UnmarshalJSON(raw []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	if keys == nil {
		return errEmptyPayload
	}
	*p = StorylinePayload{}
	if _, ok := keys["id"]; ok {
		var s models.Storyline
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		p.Storyline = &s
		return nil
	}
	var intent models.CreateStorylineIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return err
	}
	p.Intent = &intent
	return nil
}

// ResponseType - success или error.
type ResponseType string

const (
	ResponseSuccess ResponseType = "success"
	ResponseError   ResponseType = "error"
)

// Response - сообщение сервер -> клиент.
// В успешном ответе заполнено ровно одно из Storylines, Storyline, Continuation.
type Response struct {
	Type         ResponseType         `json:"type"`
	RequestID    string               `json:"requestId,omitempty"`
	Storylines   []models.Storyline   `json:"storylines,omitzero"`
	Storyline    *models.Storyline    `json:"storyline,omitempty"`
	Continuation *models.Continuation `json:"continuation,omitempty"`
	Message      string               `json:"message,omitempty"`
	Code         ErrorCode            `json:"code,omitempty"`
}

// SuccessList оборачивает список; пустой список сериализуется как [].
func SuccessList(requestID string, list []models.Storyline) Response {
	if list == nil {
		list = []models.Storyline{}
	}
	for i := range list {
		list[i].Normalize()
	}
	return Response{Type: ResponseSuccess, RequestID: requestID, Storylines: list}
}

func SuccessStoryline(requestID string, s *models.Storyline) Response {
	s.Normalize()
	return Response{Type: ResponseSuccess, RequestID: requestID, Storyline: s}
}

func SuccessContinuation(requestID string, c *models.Continuation) Response {
	return Response{Type: ResponseSuccess, RequestID: requestID, Continuation: c}
}

// ErrorResponse строит error-ответ из любой ошибки.
func ErrorResponse(requestID string, err error) Response {
	perr := FromError(err)
	return Response{Type: ResponseError, RequestID: requestID, Message: perr.Message, Code: perr.Code}
}

// Encode сериализует ответ в текстовый фрейм.
func Encode(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Конструкторы запросов для клиента.

func NewFetch(userID int64) Request {
	return Request{MessageType: MessageFetch, Data: RequestData{UserID: userID}}
}

func NewCreate(intent models.CreateStorylineIntent) Request {
	return Request{
		MessageType: MessageCreate,
		Data:        RequestData{UserID: intent.UserID, Storyline: &StorylinePayload{Intent: &intent}},
	}
}

func NewRetrieve(userID, storylineID int64) Request {
	return Request{
		MessageType: MessageRetrieve,
		Data: RequestData{
			UserID:    userID,
			Storyline: &StorylinePayload{Storyline: &models.Storyline{ID: storylineID, UserID: userID}},
		},
	}
}

func NewEdit(s models.Storyline) Request {
	return Request{
		MessageType: MessageEdit,
		Data:        RequestData{UserID: s.UserID, Storyline: &StorylinePayload{Storyline: &s}},
	}
}

func NewGenerate(userID, storylineID int64) Request {
	req := NewRetrieve(userID, storylineID)
	req.MessageType = MessageGenerate
	return req
}
