package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"chatroom/internal/models"
	"chatroom/internal/session"
)

const identityService = "/identity.v1.IdentityService/"

// IdentityClient calls the identity provider. Requests and replies are
// google.protobuf.Struct messages.
type IdentityClient struct {
	conn grpc.ClientConnInterface
}

// Dial connects to the identity provider with tracing enabled.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

// NewIdentityClient constructs the wrapper.
func NewIdentityClient(conn grpc.ClientConnInterface) *IdentityClient {
	return &IdentityClient{conn: conn}
}

// SignIn exchanges a provider credential for a session.
func (c *IdentityClient) SignIn(ctx context.Context, provider, credential string) (models.Session, error) {
	reply, err := c.call(ctx, "SignIn", "", map[string]any{"provider": provider, "credential": credential})
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromStruct(reply)
}

// GetUser resolves the identity behind an access token.
func (c *IdentityClient) GetUser(ctx context.Context, accessToken string) (models.Identity, error) {
	reply, err := c.call(ctx, "GetUser", accessToken, map[string]any{})
	if err != nil {
		return models.Identity{}, err
	}
	id := identityFromStruct(reply.GetFields()["user"].GetStructValue())
	if id.ID == "" {
		return models.Identity{}, errors.New("user not found")
	}
	return id, nil
}

// Refresh exchanges a refresh token for a new session.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	reply, err := c.call(ctx, "Refresh", "", map[string]any{"refresh_token": refreshToken})
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromStruct(reply)
}

// SignOut revokes the session of an access token.
func (c *IdentityClient) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.call(ctx, "SignOut", accessToken, map[string]any{})
	return err
}

func (c *IdentityClient) call(ctx context.Context, method, token string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", method, err)
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, identityService+method, req, reply); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied:
			return nil, fmt.Errorf("identity %s: %w: %w", method, session.ErrTokenRejected, err)
		}
		return nil, fmt.Errorf("identity %s: %w", method, err)
	}
	return reply, nil
}

func sessionFromStruct(s *structpb.Struct) (models.Session, error) {
	f := s.GetFields()
	out := models.Session{
		AccessToken:  f["access_token"].GetStringValue(),
		RefreshToken: f["refresh_token"].GetStringValue(),
		User:         identityFromStruct(f["user"].GetStructValue()),
	}
	if exp := f["expires_at"].GetNumberValue(); exp > 0 {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	if out.AccessToken == "" {
		return models.Session{}, errors.New("identity reply without access token")
	}
	return out, nil
}

func identityFromStruct(s *structpb.Struct) models.Identity {
	f := s.GetFields()
	id := models.Identity{
		ID:    f["id"].GetStringValue(),
		Email: f["email"].GetStringValue(),
	}
	if meta := f["user_metadata"].GetStructValue(); meta != nil {
		id.Metadata = make(map[string]string, len(meta.GetFields()))
		for k, v := range meta.GetFields() {
			if sv := v.GetStringValue(); sv != "" {
				id.Metadata[k] = sv
			}
		}
	}
	return id
}
