package grpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	sessionv1 "github.com/openkcm/api-sdk/proto/kms/api/cmk/sessionmanager/session/v1"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/session"
)

// Validator resolves bearer tokens; it is implemented by session.Authority.
type Validator interface {
	Validate(ctx context.Context, token string) (session.Result, error)
}

type SessionServerOption func(*SessionServer)

// WithIssuer sets the issuer reported for valid sessions.
func WithIssuer(issuer string) SessionServerOption {
	return func(s *SessionServer) {
		s.issuer = issuer
	}
}

// SessionServer lets sidecars and other services check a session token.
// The session_id field of the request carries the bearer token.
type SessionServer struct {
	sessionv1.UnimplementedServiceServer

	sessions Validator
	issuer   string
}

func NewSessionServer(sessions Validator, opts ...SessionServerOption) *SessionServer {
	s := &SessionServer{
		sessions: sessions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SessionServer) GetSession(ctx context.Context, req *sessionv1.GetSessionRequest) (*sessionv1.GetSessionResponse, error) {
	slogctx.Debug(ctx, "GetSession called")
	defer slogctx.Debug(ctx, "GetSession completed")

	result, err := s.sessions.Validate(ctx, req.GetSessionId())
	if err != nil {
		slogctx.Error(ctx, "Failed to validate session", "error", err)
		return nil, status.Error(codes.Unavailable, "session store unavailable")
	}

	if !result.Authenticated() {
		return &sessionv1.GetSessionResponse{Valid: false}, nil
	}

	return &sessionv1.GetSessionResponse{
		Valid:     true,
		Issuer:    s.issuer,
		Subject:   result.User.ExternalID,
		GivenName: result.User.Name,
		Email:     result.User.Email,
		AuthContext: map[string]string{
			"user_id":    result.User.ID,
			"session_id": result.Session.ID,
		},
	}, nil
}
