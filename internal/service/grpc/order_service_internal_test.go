package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func mustStatusCode(t *testing.T, err error, expected codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "expected grpc status error, got %v", err)
	require.Equal(t, expected, st.Code())
}

func TestToStatus_KindMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code codes.Code
	}{
		{domain.ErrItemsRequired, codes.InvalidArgument},
		{domain.ErrOrderNotFound.WithSubject("o-1"), codes.NotFound},
		{domain.ErrOrderAccessDenied, codes.PermissionDenied},
		{domain.ErrInsufficientStock.WithSubject("p-1"), codes.FailedPrecondition},
		{domain.ErrOrderNotCancellable, codes.FailedPrecondition},
		{domain.ErrOrderVersionConflict, codes.Aborted},
		{fmt.Errorf("load order: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("connection reset"), codes.Internal},
		{status.Error(codes.Unauthenticated, "nope"), codes.Unauthenticated},
	}

	for _, tt := range tests {
		mustStatusCode(t, toStatus(tt.err), tt.code)
	}
	require.NoError(t, toStatus(nil))
}

func TestToStatus_InternalErrorsAreNotLeaked(t *testing.T) {
	t.Parallel()

	err := toStatus(errors.New("pq: password authentication failed for user marketplace"))
	st, _ := status.FromError(err)
	require.Equal(t, "internal error", st.Message())
}

func TestToStatus_ForbiddenFieldsDetails(t *testing.T) {
	t.Parallel()

	err := toStatus(domain.ForbiddenFields([]string{domain.FieldStatus, domain.FieldPaymentID}))
	mustStatusCode(t, err, codes.PermissionDenied)

	info, ok := ErrorInfoFrom(err)
	require.True(t, ok)
	require.Equal(t, "NOT_ALLOWED_TO_UPDATE_FIELDS", info.Reason)
	require.Equal(t, errorDomain, info.Domain)
	require.Equal(t, "status,paymentId", info.Metadata["fields"])
}

func TestDecodePatch(t *testing.T) {
	t.Parallel()

	patch, err := decodePatch(json.RawMessage(`{"notes":"hi","zipCode":null,"status":"paid"}`))
	require.NoError(t, err)
	require.Equal(t, []string{domain.FieldStatus, domain.FieldZipCode, domain.FieldNotes}, patch.Fields())
	require.Equal(t, domain.OrderStatusPaid, *patch.Status)
	require.Equal(t, "", *patch.ZipCode)
	require.Equal(t, "hi", *patch.Notes)

	empty, err := decodePatch(nil)
	require.NoError(t, err)
	require.True(t, empty.Empty())

	carried, err := decodePatch(json.RawMessage(`{"zeta":1,"alpha":"x","notes":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, carried.Unknown)
	require.Equal(t, []string{domain.FieldNotes, "alpha", "zeta"}, carried.Fields())
	err = carried.Validate()
	require.ErrorIs(t, err, domain.ErrUnknownField)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, []string{"alpha", "zeta"}, de.Fields)

	malformed, err := decodePatch(json.RawMessage(`{"notes":42,"status":null}`))
	require.NoError(t, err)
	require.Equal(t, []string{domain.FieldNotes, domain.FieldStatus}, malformed.Malformed)
	require.Equal(t, []string{domain.FieldStatus, domain.FieldNotes}, malformed.Fields())
	require.ErrorIs(t, malformed.Validate(), domain.ErrFieldNotString)

	list, err := decodePatch(json.RawMessage(`["notes"]`))
	require.NoError(t, err)
	require.True(t, list.NotObject)
	require.False(t, list.Empty())
	require.ErrorIs(t, list.Validate(), domain.ErrPatchNotObject)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	secret := []byte("s3cret")
	auth := NewAuthenticator(secret, nil)

	token, err := SignToken(secret, domain.Principal{UserID: "u-1", Role: domain.RoleAdmin}, time.Minute)
	require.NoError(t, err)
	p, err := auth.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, domain.Principal{UserID: "u-1", Role: domain.RoleAdmin}, p)

	sign := func(claims Claims, method jwt.SigningMethod) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
		require.NoError(t, err)
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Minute))

	legacy := sign(Claims{UserID: "u-2", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}, jwt.SigningMethodHS256)
	p, err = auth.Authenticate(legacy)
	require.NoError(t, err)
	require.Equal(t, domain.Principal{UserID: "u-2", Role: domain.RoleUser}, p)

	expired := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-3",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}, jwt.SigningMethodHS256)
	_, err = auth.Authenticate(expired)
	require.Error(t, err)

	noExpiry := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-4"}}, jwt.SigningMethodHS256)
	_, err = auth.Authenticate(noExpiry)
	require.Error(t, err)

	wrongAlg := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-5", ExpiresAt: future}}, jwt.SigningMethodHS512)
	_, err = auth.Authenticate(wrongAlg)
	require.Error(t, err)

	badRole := sign(Claims{Role: "root", RegisteredClaims: jwt.RegisteredClaims{Subject: "u-6", ExpiresAt: future}}, jwt.SigningMethodHS256)
	_, err = auth.Authenticate(badRole)
	require.ErrorIs(t, err, errRole)

	anonymous := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}, jwt.SigningMethodHS256)
	_, err = auth.Authenticate(anonymous)
	require.ErrorIs(t, err, errSubject)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
		err    bool
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lowercase", header: "bearer xyz", want: "xyz"},
		{name: "basic", header: "Basic abc", err: true},
		{name: "empty token", header: "Bearer ", err: true},
	}
	for _, tt := range tests {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", tt.header))
		got, err := bearerToken(ctx)
		if tt.err {
			require.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.want, got, tt.name)
	}

	_, err := bearerToken(context.Background())
	require.ErrorIs(t, err, errTokenMissing)
}

func TestReplayedFailure_KeepsStatusDetails(t *testing.T) {
	t.Parallel()

	original := toStatus(domain.ErrInsufficientStock.WithSubject("p-1"))
	body, code := encodeFailure(original)
	require.Equal(t, codes.FailedPrecondition, code)

	replayed, ok := status.FromError(replayedFailure(domain.IdempotencyRecord{ResponseBody: body, ResultCode: int(code)}))
	require.True(t, ok)
	require.True(t, proto.Equal(status.Convert(original).Proto(), replayed.Proto()), "replayed status differs")

	var info *errdetails.ErrorInfo
	for _, detail := range replayed.Details() {
		if d, ok := detail.(*errdetails.ErrorInfo); ok {
			info = d
		}
	}
	require.NotNil(t, info, "replay must carry ErrorInfo")
	require.Equal(t, "p-1", info.Metadata["subject"])
}

func TestReplayedFailure_Fallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record domain.IdempotencyRecord
		want   codes.Code
	}{
		{"unreadable body keeps the stored code", domain.IdempotencyRecord{ResponseBody: []byte{0xff, 0xff}, ResultCode: int(codes.Aborted)}, codes.Aborted},
		{"no body", domain.IdempotencyRecord{ResultCode: int(codes.NotFound)}, codes.NotFound},
		{"out of range code", domain.IdempotencyRecord{ResultCode: 999}, codes.Internal},
		{"ok is never replayed as failure", domain.IdempotencyRecord{}, codes.Internal},
	}
	for _, tt := range tests {
		mustStatusCode(t, replayedFailure(tt.record), tt.want)
	}

	body, code := encodeFailure(errors.New("plain"))
	require.Equal(t, codes.Unknown, code)
	mustStatusCode(t, replayedFailure(domain.IdempotencyRecord{ResponseBody: body}), codes.Unknown)
}

func TestRequestFingerprint(t *testing.T) {
	t.Parallel()

	req := &CancelOrderRequest{OrderID: "o-1"}
	fingerprint := func(method, user string, req any) string {
		out, err := requestFingerprint(method, domain.Principal{UserID: user}, req)
		require.NoError(t, err)
		return out
	}

	base := fingerprint(MethodCancelOrder, "u-1", req)
	require.Len(t, base, 64)
	require.Equal(t, base, fingerprint(MethodCancelOrder, "u-1", &CancelOrderRequest{OrderID: "o-1"}))
	require.NotEqual(t, base, fingerprint(MethodCancelOrder, "u-2", req))
	require.NotEqual(t, base, fingerprint(MethodCreateOrder, "u-1", req))
	require.NotEqual(t, base, fingerprint(MethodCancelOrder, "u-1", &CancelOrderRequest{OrderID: "o-2"}))

	_, err := requestFingerprint(MethodCancelOrder, domain.Principal{}, nil)
	require.Error(t, err)
}

func TestJSONCodec(t *testing.T) {
	t.Parallel()

	codec := jsonCodec{}
	require.Equal(t, CodecName, codec.Name())

	data, err := codec.Marshal(&GetOrderRequest{OrderID: "o-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"orderId":"o-1"}`, string(data))

	var out GetOrderRequest
	require.NoError(t, codec.Unmarshal(data, &out))
	require.Equal(t, "o-1", out.OrderID)
	require.NoError(t, codec.Unmarshal(nil, &out))
}

func TestRequirePrincipal(t *testing.T) {
	t.Parallel()

	_, err := requirePrincipal(context.Background())
	mustStatusCode(t, err, codes.Unauthenticated)

	ctx := WithPrincipal(context.Background(), domain.Principal{UserID: "u-1", Role: domain.RoleUser})
	p, err := requirePrincipal(ctx)
	require.NoError(t, err)
	require.Equal(t, "u-1", p.UserID)
}
