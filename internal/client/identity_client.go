package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// IdentityServiceName is the fully-qualified gRPC service the directory
// client calls. Requests and responses are google.protobuf.Struct messages.
const IdentityServiceName = "pesio.platform.identity.v1.DirectoryService"

const identityTimeout = 5 * time.Second

// IdentityGRPCClient implements service.OrgChart against the platform
// identity directory.
//
// Methods and fields:
//
//	UsersWithRole     {role}        -> {user_ids: [..]}
//	RolesOf           {user_id}     -> {roles: [..]}
//	DepartmentOf      {user_id}     -> {department}
//	DepartmentHeadOf  {department}  -> {user_id}
//	ManagerOf         {user_id}     -> {user_id}
//	IsActive          {user_id}     -> {active}
//
// A NotFound status from the directory is read as "no such user".
type IdentityGRPCClient struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

var _ service.OrgChart = (*IdentityGRPCClient)(nil)

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
func NewIdentityGRPCClient(addr string) (*IdentityGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, err
	}
	return &IdentityGRPCClient{conn: conn, closer: conn.Close}, nil
}

// NewIdentityClientFromConn wraps an existing connection.
func NewIdentityClientFromConn(conn grpc.ClientConnInterface) *IdentityGRPCClient {
	return &IdentityGRPCClient{conn: conn, closer: func() error { return nil }}
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	return c.closer()
}

func (c *IdentityGRPCClient) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	resp, err := c.call(ctx, "UsersWithRole", map[string]interface{}{"role": role})
	if err != nil || resp == nil {
		return nil, err
	}
	return stringValues(resp, "user_ids"), nil
}

func (c *IdentityGRPCClient) RolesOf(ctx context.Context, userID string) ([]string, error) {
	resp, err := c.call(ctx, "RolesOf", map[string]interface{}{"user_id": userID})
	if err != nil || resp == nil {
		return nil, err
	}
	return stringValues(resp, "roles"), nil
}

func (c *IdentityGRPCClient) DepartmentOf(ctx context.Context, userID string) (string, error) {
	resp, err := c.call(ctx, "DepartmentOf", map[string]interface{}{"user_id": userID})
	if err != nil || resp == nil {
		return "", err
	}
	return resp.GetFields()["department"].GetStringValue(), nil
}

func (c *IdentityGRPCClient) DepartmentHeadOf(ctx context.Context, department string) (string, error) {
	resp, err := c.call(ctx, "DepartmentHeadOf", map[string]interface{}{"department": department})
	if err != nil || resp == nil {
		return "", err
	}
	return resp.GetFields()["user_id"].GetStringValue(), nil
}

func (c *IdentityGRPCClient) ManagerOf(ctx context.Context, userID string) (string, error) {
	resp, err := c.call(ctx, "ManagerOf", map[string]interface{}{"user_id": userID})
	if err != nil || resp == nil {
		return "", err
	}
	return resp.GetFields()["user_id"].GetStringValue(), nil
}

func (c *IdentityGRPCClient) IsActive(ctx context.Context, userID string) (bool, error) {
	resp, err := c.call(ctx, "IsActive", map[string]interface{}{"user_id": userID})
	if err != nil || resp == nil {
		return false, err
	}
	return resp.GetFields()["active"].GetBoolValue(), nil
}

// call invokes method and returns nil, nil on NotFound.
func (c *IdentityGRPCClient) call(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+IdentityServiceName+"/"+method, in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("identity %s: %w", method, err)
	}
	return out, nil
}

func stringValues(s *structpb.Struct, key string) []string {
	list := s.GetFields()[key].GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}
