package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline-server/internal/models"
)

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var perr *Error
	require.True(t, errors.As(err, &perr), "expected *protocol.Error, got %T", err)
	assert.Equal(t, code, perr.Code, perr.Message)
}

func TestDecode_Create(t *testing.T) {
	env, err := Decode([]byte(`{"messageType":"create","data":{"userId":1,"storyline":{"title":"Test","totalSteps":5}}}`))
	require.NoError(t, err)

	assert.Equal(t, MessageCreate, env.Kind)
	assert.Equal(t, int64(1), env.UserID)
	require.NotNil(t, env.Intent)
	assert.Nil(t, env.Storyline)
	assert.Equal(t, "Test", env.Intent.Title)
	assert.Equal(t, int64(1), env.Intent.UserID)
	require.NotNil(t, env.Intent.TotalSteps)
	assert.Equal(t, 5, *env.Intent.TotalSteps)
}

func TestDecode_FetchIgnoresStoryline(t *testing.T) {
	env, err := Decode([]byte(`{"messageType":"fetch","requestId":"r-1","data":{"userId":3,"storyline":"whatever"}}`))
	require.NoError(t, err)
	assert.Equal(t, MessageFetch, env.Kind)
	assert.Equal(t, "r-1", env.RequestID)
	assert.Nil(t, env.Storyline)
	assert.Nil(t, env.Intent)
}

func TestDecode_EditFullStoryline(t *testing.T) {
	raw := `{"messageType":"edit","data":{"userId":2,"storyline":{
		"id":10,"title":"Forest","status":"ongoing","visibility":"private","totalSteps":3,
		"steps":[{"description":"A dark path","choice":{"text":"Go left","synopsis":"Into the cave"}}]}}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, env.Storyline)
	assert.Equal(t, int64(10), env.StorylineID())
	assert.Equal(t, int64(2), env.Storyline.UserID, "userId is taken from the envelope when absent")
	require.Len(t, env.Storyline.Steps, 1)
	assert.Equal(t, "Go left", env.Storyline.Steps[0].Choice.Text)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code ErrorCode
	}{
		{"not json", `{"messageType":`, CodeMalformedEnvelope},
		{"array envelope", `[1,2]`, CodeMalformedEnvelope},
		{"missing messageType", `{"data":{"userId":1}}`, CodeMissingField},
		{"unknown messageType", `{"messageType":"delete","data":{"userId":1}}`, CodeInvalidMessageType},
		{"missing data", `{"messageType":"fetch"}`, CodeMissingField},
		{"missing userId", `{"messageType":"fetch","data":{}}`, CodeMissingField},
		{"non-positive userId", `{"messageType":"fetch","data":{"userId":0}}`, CodeValidationFailed},
		{"string userId", `{"messageType":"fetch","data":{"userId":"1"}}`, CodeMalformedEnvelope},
		{"create without storyline", `{"messageType":"create","data":{"userId":1}}`, CodeMissingField},
		{"create with id", `{"messageType":"create","data":{"userId":1,"storyline":{"id":4,"title":"x"}}}`, CodeValidationFailed},
		{"create without title", `{"messageType":"create","data":{"userId":1,"storyline":{"totalSteps":4}}}`, CodeValidationFailed},
		{"create with zero steps", `{"messageType":"create","data":{"userId":1,"storyline":{"title":"x","totalSteps":0}}}`, CodeValidationFailed},
		{"create for another user", `{"messageType":"create","data":{"userId":1,"storyline":{"title":"x","userId":2}}}`, CodeValidationFailed},
		{"retrieve without id", `{"messageType":"retrieve","data":{"userId":1,"storyline":{"title":"x"}}}`, CodeMissingField},
		{"retrieve with null id", `{"messageType":"retrieve","data":{"userId":1,"storyline":{"id":null}}}`, CodeMissingField},
		{"retrieve with string id", `{"messageType":"retrieve","data":{"userId":1,"storyline":{"id":"7"}}}`, CodeValidationFailed},
		{"edit without storyline", `{"messageType":"edit","data":{"userId":1,"storyline":null}}`, CodeMissingField},
		{"edit without id", `{"messageType":"edit","data":{"userId":1,"storyline":{"title":"x","status":"ongoing","visibility":"public"}}}`, CodeMissingField},
		{"edit with bad status", `{"messageType":"edit","data":{"userId":1,"storyline":{"id":1,"title":"x","status":"paused","visibility":"public"}}}`, CodeValidationFailed},
		{"edit with string choice", `{"messageType":"edit","data":{"userId":1,"storyline":{"id":1,"title":"x","status":"ongoing","visibility":"public","steps":[{"description":"d","choice":"left"}]}}}`, CodeValidationFailed},
		{"edit with empty choice", `{"messageType":"edit","data":{"userId":1,"storyline":{"id":1,"title":"x","status":"ongoing","visibility":"public","steps":[{"description":"d","choice":{"text":""}}]}}}`, CodeValidationFailed},
		{"generate without id", `{"messageType":"generate","data":{"userId":1,"storyline":{}}}`, CodeMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			requireCode(t, err, tt.code)
			assert.True(t, tt.code.IsProtocol())
		})
	}
}

func TestDecode_ErrorKeepsRequestID(t *testing.T) {
	env, err := Decode([]byte(`{"messageType":"nope","requestId":"abc","data":{"userId":1}}`))
	requireCode(t, err, CodeInvalidMessageType)
	require.NotNil(t, env)
	assert.Equal(t, "abc", env.RequestID)
}

func TestDecode_TypeMismatchKeepsRequestID(t *testing.T) {
	frames := map[string]string{
		"string data":   `{"messageType":"fetch","requestId":"abc","data":"oops"}`,
		"numeric type":  `{"messageType":5,"requestId":"abc","data":{"userId":1}}`,
		"string userId": `{"messageType":"fetch","requestId":"abc","data":{"userId":"1"}}`,
	}
	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			env, err := Decode([]byte(raw))
			requireCode(t, err, CodeMalformedEnvelope)
			require.NotNil(t, env)
			assert.Equal(t, "abc", env.RequestID)
		})
	}
}

func TestRequestIDOf(t *testing.T) {
	assert.Equal(t, "abc", RequestIDOf([]byte(`{"requestId":"abc","data":"oops"}`)))
	assert.Empty(t, RequestIDOf([]byte(`{"requestId":7}`)))
	assert.Empty(t, RequestIDOf([]byte(`{"data":{}}`)))
	assert.Empty(t, RequestIDOf([]byte(`not json`)))
}

func TestRequestConstructors_RoundTripThroughDecode(t *testing.T) {
	create := NewCreate(models.CreateStorylineIntent{Title: "Ship", UserID: 4, TotalSteps: models.IntPtr(6)})
	raw, err := json.Marshal(create)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"id"`)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, env.Intent)
	assert.Equal(t, "Ship", env.Intent.Title)

	raw, err = json.Marshal(NewGenerate(4, 9))
	require.NoError(t, err)
	env, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageGenerate, env.Kind)
	assert.Equal(t, int64(9), env.StorylineID())
}
