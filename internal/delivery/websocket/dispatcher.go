package websocket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storyline-server/internal/models"
	"storyline-server/internal/protocol"
)

// dispatcher переводит проверенный запрос в вызов StorylineService.
// На каждый фрейм возвращается ровно один ответ.
type dispatcher struct {
	storylines StorylineService
	logger     *zap.Logger
}

func (d *dispatcher) initialSync(ctx context.Context, userID int64) protocol.Response {
	list, err := d.storylines.List(ctx, userID, models.ListOptions{})
	if err != nil {
		d.logger.Error("Initial sync failed", zap.Int64("userID", userID), zap.Error(err))
		return protocol.ErrorResponse("", err)
	}
	return protocol.SuccessList("", list)
}

func (d *dispatcher) handle(ctx context.Context, principal int64, data []byte) (resp protocol.Response) {
	start := time.Now()
	kind := "unknown"
	requestID := ""

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while handling message", zap.Any("panic", r), zap.Stack("stack"))
			resp = protocol.ErrorResponse(requestID, fmt.Errorf("panic: %v", r))
		}
		result := "success"
		if resp.Type == protocol.ResponseError {
			result = string(resp.Code)
		}
		messagesTotal.WithLabelValues(kind, result).Inc()
		d.logger.Debug("Message handled",
			zap.String("kind", kind),
			zap.String("requestId", requestID),
			zap.String("result", result),
			zap.Duration("duration", time.Since(start)))
	}()

	env, err := protocol.Decode(data)
	if env != nil {
		requestID = env.RequestID
		if env.Kind != "" {
			kind = string(env.Kind)
		}
	}
	if err != nil {
		return protocol.ErrorResponse(requestID, err)
	}
	if env.UserID != principal {
		return protocol.ErrorResponse(requestID,
			fmt.Errorf("%w: userId %d does not match the authenticated user", models.ErrForbidden, env.UserID))
	}

	resp, err = d.dispatch(ctx, env)
	if err != nil {
		perr := protocol.FromError(err)
		if perr.Code == protocol.CodeInternal {
			d.logger.Error("Operation failed", zap.String("kind", kind), zap.Error(err))
		}
		return protocol.ErrorResponse(requestID, perr)
	}
	return resp
}

func (d *dispatcher) dispatch(ctx context.Context, env *protocol.Envelope) (protocol.Response, error) {
	switch env.Kind {
	case protocol.MessageFetch:
		list, err := d.storylines.List(ctx, env.UserID, models.ListOptions{})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.SuccessList(env.RequestID, list), nil

	case protocol.MessageCreate:
		created, err := d.storylines.Create(ctx, *env.Intent)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.SuccessStoryline(env.RequestID, created), nil

	case protocol.MessageRetrieve:
		st, err := d.storylines.Get(ctx, env.UserID, env.StorylineID())
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.SuccessStoryline(env.RequestID, st), nil

	case protocol.MessageEdit:
		updated, err := d.storylines.Update(ctx, env.UserID, env.Storyline)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.SuccessStoryline(env.RequestID, updated), nil

	case protocol.MessageGenerate:
		cont, err := d.storylines.GenerateNextStep(ctx, env.UserID, env.StorylineID())
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.SuccessContinuation(env.RequestID, cont), nil
	}
	return protocol.Response{}, &protocol.Error{
		Code:    protocol.CodeInvalidMessageType,
		Message: fmt.Sprintf("unknown messageType %q", env.Kind),
	}
}
