package grpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceTokenKey is the metadata key carrying the shared secret that
// sibling services present on every query.
const ServiceTokenKey = "x-attendance-service-token"

var ErrServiceTokenRequired = errors.New("attendance service token is not configured")

// NewServiceTokenInterceptor admits calls whose metadata carries exactly
// one token equal to expected. Rejections are logged with the method name.
func NewServiceTokenInterceptor(expected string, logger *zap.Logger) (grpc.UnaryServerInterceptor, error) {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil, ErrServiceTokenRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	want := sha256.Sum256([]byte(expected))
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token, err := serviceToken(ctx)
		if err == nil {
			got := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				err = status.Error(codes.PermissionDenied, "attendance service token rejected")
			}
		}
		if err != nil {
			logger.Warn("attendance query rejected",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
			)
			return nil, err
		}
		return handler(ctx, req)
	}, nil
}

// WithServiceToken attaches the shared service token to an outgoing call.
func WithServiceToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ServiceTokenKey, token)
}

func serviceToken(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(ServiceTokenKey)
	switch len(values) {
	case 0:
		return "", status.Error(codes.Unauthenticated, "attendance service token missing")
	case 1:
	default:
		return "", status.Error(codes.Unauthenticated, "attendance service token repeated")
	}
	token := strings.TrimSpace(values[0])
	if token == "" {
		return "", status.Error(codes.Unauthenticated, "attendance service token missing")
	}
	return token, nil
}
