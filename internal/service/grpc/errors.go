package grpcsvc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// errorDomain — значение ErrorInfo.Domain для ошибок сервиса заказов.
const errorDomain = "marketplace.order"

var kindCodes = map[domain.ErrorKind]codes.Code{
	domain.KindInvalidArgument: codes.InvalidArgument,
	domain.KindNotFound:        codes.NotFound,
	domain.KindForbidden:       codes.PermissionDenied,
	domain.KindUnprocessable:   codes.FailedPrecondition,
	domain.KindInvalidState:    codes.FailedPrecondition,
	domain.KindConflict:        codes.Aborted,
}

// toStatus переводит ошибку движка в gRPC status.
// Forbidden и Unprocessable несут ErrorInfo с причиной и полями.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var de *domain.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, "deadline exceeded")
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, "request canceled")
		default:
			return status.Error(codes.Internal, "internal error")
		}
	}

	code, ok := kindCodes[de.Kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, de.Error())

	if de.Kind == domain.KindForbidden || de.Kind == domain.KindUnprocessable || de.Kind == domain.KindInvalidState {
		info := &errdetails.ErrorInfo{
			Reason:   reasonOf(de),
			Domain:   errorDomain,
			Metadata: map[string]string{"kind": string(de.Kind)},
		}
		if de.Subject != "" {
			info.Metadata["subject"] = de.Subject
		}
		if len(de.Fields) > 0 {
			info.Metadata["fields"] = strings.Join(de.Fields, ",")
		}
		if detailed, detailErr := st.WithDetails(info); detailErr == nil {
			st = detailed
		}
	}

	return st.Err()
}

// reasonOf формирует UPPER_SNAKE_CASE причину из сообщения ошибки.
func reasonOf(de *domain.Error) string {
	msg := de.Message
	if msg == "" {
		msg = string(de.Kind)
	}
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, msg))
}

// ErrorInfoFrom достаёт ErrorInfo из gRPC-ошибки, если он есть.
func ErrorInfoFrom(err error) (*errdetails.ErrorInfo, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			return info, true
		}
	}
	return nil, false
}
