package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	authorizationHeader = "authorization"
	bearerPrefix        = "bearer "
)

var (
	errTokenMissing = errors.New("bearer token is required")
	errSubject      = errors.New("token has no subject")
	errRole         = errors.New("token role is not supported")
)

// Claims — содержимое access-токена. user_id поддерживается для токенов,
// выпущенных без sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator проверяет HS256-токены и кладёт Principal в контекст запроса.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
	logger *log.Entry
}

// NewAuthenticator создаёт проверку токенов с общим секретом.
func NewAuthenticator(secret []byte, logger *log.Entry) *Authenticator {
	if logger == nil {
		logger = log.WithField("component", "grpc-auth")
	}
	return &Authenticator{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		logger: logger,
	}
}

// Authenticate разбирает токен и возвращает Principal.
func (a *Authenticator) Authenticate(token string) (domain.Principal, error) {
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return domain.Principal{}, fmt.Errorf("parse token: %w", err)
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		userID = strings.TrimSpace(claims.UserID)
	}
	if userID == "" {
		return domain.Principal{}, errSubject
	}

	role := domain.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	if role == "" {
		role = domain.RoleUser
	}
	if !role.Valid() {
		return domain.Principal{}, errRole
	}

	return domain.Principal{UserID: userID, Role: role}, nil
}

// UnaryInterceptor требует токен для методов OrderService.
// Health и reflection проходят без аутентификации.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}

		token, err := bearerToken(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		principal, err := a.Authenticate(token)
		if err != nil {
			a.logger.WithError(err).WithField("method", info.FullMethod).Debug("rejected access token")
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		}

		return handler(WithPrincipal(ctx, principal), req)
	}
}

func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errTokenMissing
	}
	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return "", errTokenMissing
	}

	raw := strings.TrimSpace(values[0])
	if len(raw) <= len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return "", errTokenMissing
	}
	return strings.TrimSpace(raw[len(bearerPrefix):]), nil
}

// SignToken выпускает HS256-токен для principal. Используется тестами и локальной разработкой.
func SignToken(secret []byte, p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type principalKey struct{}

// WithPrincipal кладёт аутентифицированного пользователя в контекст.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext достаёт пользователя, положенного UnaryInterceptor.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok && p.UserID != ""
}
