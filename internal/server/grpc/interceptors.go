package grpcserver

import (
	"context"
	"path"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/vaultsync/internal/identity"
)

// sessionMethods need a verified session bearer. Sign-in and health stay public.
var sessionMethods = map[string]bool{
	identity.MethodGetProfile: true,
}

// UnaryChain orders the interceptors: recover, then session auth, then logging so the log line
// carries the verified caller.
func UnaryChain(issuer *identity.Issuer, log *zap.Logger) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		AuthUnary(issuer, log),
		LoggingUnary(log),
	)
}

// AuthUnary verifies the session bearer of identity calls that need one and stores the caller
// as a Subject.
func AuthUnary(issuer *identity.Issuer, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !sessionMethods[info.FullMethod] {
			return next(ctx, req)
		}
		subj, err := verifySubject(ctx, issuer)
		if err != nil {
			log.Info("identity call rejected",
				zap.String("method", path.Base(info.FullMethod)),
				zap.String("reason", err.Error()),
			)
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(WithSubject(ctx, subj), req)
	}
}

// LoggingUnary logs one line per identity call: method, outcome and caller. Never payloads or tokens.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		fields := []zap.Field{
			zap.String("method", path.Base(info.FullMethod)),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
		}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String("peer", p.Addr.String()))
		}
		if s, ok := SubjectFromCtx(ctx); ok {
			fields = append(fields, zap.String("user", s.UserID.String()), zap.String("device", s.DeviceID))
		}
		switch status.Code(err) {
		case codes.OK:
			log.Info("identity call", fields...)
		case codes.Internal, codes.Unknown:
			log.Error("identity call failed", append(fields, zap.Error(err))...)
		default:
			log.Warn("identity call refused", fields...)
		}
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("identity handler panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", path.Base(info.FullMethod)),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return next(ctx, req)
	}
}
