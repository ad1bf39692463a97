package identity

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/vaultsync/internal/convert"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// gRPC names of the identity service.
const (
	ServiceName  = "vaultsync.identity.v1.Identity"
	MethodSignIn = "/" + ServiceName + "/SignInWithCustomToken"
)

// GRPCProvider calls a remote identity service. Messages travel as google.protobuf.Struct.
type GRPCProvider struct {
	cc grpc.ClientConnInterface
}

// NewGRPCProvider wraps an established client connection.
func NewGRPCProvider(cc grpc.ClientConnInterface) *GRPCProvider {
	return &GRPCProvider{cc: cc}
}

// SignInWithToken trades the exchange token; any provider-side failure is an AuthError.
func (p *GRPCProvider) SignInWithToken(ctx context.Context, exchangeToken string) (model.ProviderSession, error) {
	req, err := convert.ToSignInRequest(exchangeToken)
	if err != nil {
		return model.ProviderSession{}, err
	}
	resp := &structpb.Struct{}
	if err := p.cc.Invoke(ctx, MethodSignIn, req, resp); err != nil {
		msg := "identity provider rejected the sign-in"
		if st, ok := status.FromError(err); ok && st.Message() != "" {
			msg = st.Message()
		}
		return model.ProviderSession{}, &errs.AuthError{Stage: "provider", Message: msg, Err: err}
	}
	sess, err := convert.FromSessionStruct(resp)
	if err != nil {
		return model.ProviderSession{}, &errs.DecodeError{Op: "identity sign-in", Err: err}
	}
	return sess, nil
}

// MethodGetProfile returns the profile of the session bearer.
const MethodGetProfile = "/" + ServiceName + "/GetProfile"

// Profile fetches the profile bound to sess, authenticating with its id token.
func (p *GRPCProvider) Profile(ctx context.Context, sess model.ProviderSession) (model.Profile, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+sess.IDToken)
	resp := &structpb.Struct{}
	if err := p.cc.Invoke(ctx, MethodGetProfile, &structpb.Struct{}, resp); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return model.Profile{}, &errs.AuthError{Stage: "provider", Message: status.Convert(err).Message(), Err: err}
		}
		return model.Profile{}, &errs.NetworkError{Op: "get profile", Err: err}
	}
	prof, err := convert.FromProfileStruct(resp)
	if err != nil {
		return model.Profile{}, &errs.DecodeError{Op: "get profile", Err: err}
	}
	return prof, nil
}
