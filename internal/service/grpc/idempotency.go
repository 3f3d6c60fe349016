package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	idempotencyTTL       = 24 * time.Hour
)

// Исходы запросов с idempotency-key для метрик.
const (
	idemOutcomeNew        = "new"
	idemOutcomeReplay     = "replay"
	idemOutcomeMismatch   = "mismatch"
	idemOutcomeInProgress = "in_progress"
)

const replayedFailureMessage = "previous request with the same idempotency key failed"

// withIdempotency выполняет handler не более одного раза на пару (пользователь, idempotency-key).
// Повтор того же запроса получает сохранённый ответ или ту же gRPC-ошибку вместе с details;
// другой запрос под тем же ключом получает AlreadyExists.
func withIdempotency[T any](
	s *OrderService,
	ctx context.Context,
	method string,
	principal domain.Principal,
	req any,
	newResp func() T,
	handler func(context.Context) (T, error),
) (T, error) {
	var zero T

	clientKey := idempotencyKey(ctx)
	if s.idemRepo == nil || clientKey == "" {
		return handler(ctx)
	}
	entry := s.logger.WithFields(log.Fields{"method": method, "idempotency_key": clientKey})

	hash, err := requestFingerprint(method, principal, req)
	if err != nil {
		entry.WithError(err).Warn("idempotent request cannot be fingerprinted")
		return zero, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	key := principal.UserID + ":" + clientKey
	record, err := s.idemRepo.CreateProcessing(ctx, key, hash, time.Now().UTC().Add(idempotencyTTL))
	if err != nil {
		return replay(s, entry, err, record, newResp)
	}
	s.idemMetrics.RecordRequest(idemOutcomeNew)

	resp, runErr := handler(ctx)

	// Результат фиксируется и после отмены клиента, иначе ключ навсегда останется processing.
	storeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		body, code := encodeFailure(runErr)
		if err := s.idemRepo.MarkFailed(storeCtx, key, body, int(code)); err != nil {
			entry.WithError(err).Warn("idempotent failure not stored")
		}
		return resp, runErr
	}

	body, err := json.Marshal(resp)
	if err == nil {
		err = s.idemRepo.MarkDone(storeCtx, key, body, int(codes.OK))
	}
	if err != nil {
		entry.WithError(err).Warn("idempotent response not stored")
	}
	return resp, nil
}

func replay[T any](s *OrderService, entry *log.Entry, claimErr error, record domain.IdempotencyRecord, newResp func() T) (T, error) {
	var zero T

	switch {
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch):
		s.idemMetrics.RecordRequest(idemOutcomeMismatch)
		return zero, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case !errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists):
		entry.WithError(claimErr).Warn("idempotency key not claimed")
		return zero, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		s.idemMetrics.RecordRequest(idemOutcomeInProgress)
		return zero, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.IdempotencyStatusFailed:
		s.idemMetrics.RecordRequest(idemOutcomeReplay)
		return zero, replayedFailure(record)
	case domain.IdempotencyStatusDone:
		resp := newResp()
		if err := json.Unmarshal(record.ResponseBody, resp); err != nil {
			entry.WithError(err).Warn("stored idempotent response is unreadable")
			return zero, status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		s.idemMetrics.RecordRequest(idemOutcomeReplay)
		return resp, nil
	default:
		return zero, status.Error(codes.Internal, "unknown idempotency record status")
	}
}

// encodeFailure сохраняет ошибку как google.rpc.Status, чтобы повтор вернул те же details.
func encodeFailure(err error) ([]byte, codes.Code) {
	st := status.Convert(err)
	if st.Code() == codes.OK {
		st = status.New(codes.Internal, st.Message())
	}
	body, marshalErr := proto.Marshal(st.Proto())
	if marshalErr != nil {
		return nil, st.Code()
	}
	return body, st.Code()
}

// replayedFailure восстанавливает сохранённую ошибку; без тела остаётся только код.
func replayedFailure(record domain.IdempotencyRecord) error {
	var saved spb.Status
	if err := proto.Unmarshal(record.ResponseBody, &saved); err == nil && saved.GetCode() != int32(codes.OK) {
		return status.ErrorProto(&saved)
	}

	code := codes.Internal
	if record.ResultCode > int(codes.OK) && record.ResultCode <= int(codes.Unauthenticated) {
		code = codes.Code(uint32(record.ResultCode))
	}
	return status.Error(code, replayedFailureMessage)
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(idempotencyKeyHeader); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// requestFingerprint — sha256 от метода, пользователя и JSON-тела запроса.
func requestFingerprint(method string, principal domain.Principal, req any) (string, error) {
	if req == nil {
		return "", errors.New("request is nil")
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", method, principal.UserID)
	if err := json.NewEncoder(h).Encode(req); err != nil {
		return "", fmt.Errorf("encode %s request: %w", method, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
