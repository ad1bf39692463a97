// Package grpcserver exposes the identity provider over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/vaultsync/internal/convert"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/identity"
	"github.com/and161185/vaultsync/internal/model"
)

// ProfileReader loads the profile of a user.
type ProfileReader interface {
	Profile(ctx context.Context, userID uuid.UUID) (model.Profile, error)
}

// Server wires the token issuer and profile storage into gRPC handlers.
type Server struct {
	issuer   *identity.Issuer
	profiles ProfileReader
}

// New constructs a gRPC server with injected services.
func New(issuer *identity.Issuer, profiles ProfileReader) *Server {
	return &Server{issuer: issuer, profiles: profiles}
}

// Register attaches the identity service to gs.
func Register(gs grpc.ServiceRegistrar, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}

type identityServer interface {
	SignInWithCustomToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: identity.ServiceName,
	HandlerType: (*identityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignInWithCustomToken", Handler: unaryHandler(identity.MethodSignIn, identityServer.SignInWithCustomToken)},
		{MethodName: "GetProfile", Handler: unaryHandler(identity.MethodGetProfile, identityServer.GetProfile)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultsync/identity/v1/identity.proto",
}

type unaryMethod func(identityServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(identityServer)
		if ic == nil {
			return m(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return m(s, ctx, req.(*structpb.Struct))
		})
	}
}

// SignInWithCustomToken trades an exchange token for a session.
func (s *Server) SignInWithCustomToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tok, err := convert.FromSignInRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "empty token")
	}
	sess, err := s.issuer.SignInWithToken(ctx, tok)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "invalid exchange token")
		}
		return nil, status.Errorf(codes.Internal, "sign in: %v", err)
	}
	out, err := convert.ToSessionStruct(sess)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode session: %v", err)
	}
	return out, nil
}

// GetProfile returns the profile of the session bearer verified by AuthUnary.
func (s *Server) GetProfile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	subj, ok := SubjectFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	p, err := s.profiles.Profile(ctx, subj.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "not found")
		}
		return nil, status.Errorf(codes.Internal, "get profile: %v", err)
	}
	out, err := convert.ToProfileStruct(p)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode profile: %v", err)
	}
	return out, nil
}
