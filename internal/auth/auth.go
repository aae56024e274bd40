// Package auth maps the role carried in a client certificate to the
// TaskService methods it may call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	api "github.com/nixpig/taskworker/api/v1"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

type Permission string

const (
	PermissionTaskStart  Permission = "task:start"
	PermissionTaskStop   Permission = "task:stop"
	PermissionTaskList   Permission = "task:list"
	PermissionTaskStream Permission = "task:stream"
	PermissionStatsRead  Permission = "stats:read"
)

// Role is taken from the first OU of the client certificate.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermissionTaskStart,
		PermissionTaskStop,
		PermissionTaskList,
		PermissionTaskStream,
		PermissionStatsRead,
	},
	RoleViewer: {PermissionTaskList, PermissionTaskStream, PermissionStatsRead},
}

var MethodPermissions = map[string]Permission{
	api.TaskService_CreateTask_FullMethodName:     PermissionTaskStart,
	api.TaskService_StopTask_FullMethodName:       PermissionTaskStop,
	api.TaskService_ListTasks_FullMethodName:      PermissionTaskList,
	api.TaskService_StreamTaskLogs_FullMethodName: PermissionTaskStream,
	api.TaskService_GetStats_FullMethodName:       PermissionStatsRead,
}

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrUnauthorised    = errors.New("not authorised")
)

// GetClientIdentity returns the CN and first OU of the verified client
// certificate.
func GetClientIdentity(ctx context.Context) (string, string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", "", fmt.Errorf("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	cn := cert.Subject.CommonName

	var ou string
	if len(cert.Subject.OrganizationalUnit) > 0 {
		ou = cert.Subject.OrganizationalUnit[0]
	}

	return cn, ou, nil
}

func IsAuthorised(clientRole Role, method string) error {
	requiredPermission, exists := MethodPermissions[method]
	if !exists {
		return fmt.Errorf("method %s not in method permissions", method)
	}

	permissions, ok := RolePermissions[clientRole]
	if !ok {
		return fmt.Errorf("role %q not in role permissions", clientRole)
	}

	if !slices.Contains(permissions, requiredPermission) {
		return fmt.Errorf("role %q lacks permission %s", clientRole, requiredPermission)
	}

	return nil
}

// Identity is the authenticated caller of a method.
type Identity struct {
	CommonName string
	Role       Role
}

// Authorise checks the caller in ctx may call method. Errors wrap
// ErrUnauthenticated or ErrUnauthorised.
func Authorise(ctx context.Context, method string) (Identity, error) {
	cn, ou, err := GetClientIdentity(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	id := Identity{CommonName: cn, Role: Role(ou)}

	if err := IsAuthorised(id.Role, method); err != nil {
		return id, fmt.Errorf("%w: %w", ErrUnauthorised, err)
	}

	return id, nil
}
