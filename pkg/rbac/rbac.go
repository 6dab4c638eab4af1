package rbac

// 权限常量
const (
	// 仅项目 owner 可执行的敏感操作
	PermissionPauseProject     = "project:pause"
	PermissionReleaseMilestone = "milestone:release"

	// 任意调用方可执行的操作
	PermissionReadProject = "project:read"
	PermissionDonate      = "project:donate"
)

// 角色常量
const (
	RolePublic = "public"
	RoleOwner  = "owner"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RolePublic: {
		PermissionReadProject,
		PermissionDonate,
	},
	RoleOwner: {
		PermissionReadProject,
		PermissionDonate,
		PermissionPauseProject,
		PermissionReleaseMilestone,
	},
}

// RoleFor 返回调用方相对于某个项目的角色
// 角色按项目计算：调用方身份与项目 owner 完全一致时为 owner，否则为 public
func RoleFor(caller, owner string) string {
	if caller != "" && caller == owner {
		return RoleOwner
	}
	return RolePublic
}

// HasPermission 检查调用方是否对项目拥有指定权限
func HasPermission(caller, owner, permission string) bool {
	permissions, ok := rolePermissions[RoleFor(caller, owner)]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(caller, owner, permission string) error {
	if !HasPermission(caller, owner, permission) {
		return &PermissionDeniedError{
			Caller:     caller,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Caller     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}

// ValidateCallerInPayload 验证 payload 中声明的身份是否与 token 中的 subject 一致
func ValidateCallerInPayload(tokenSubject, payloadCaller string) error {
	if payloadCaller != "" && payloadCaller != tokenSubject {
		return &CallerMismatchError{
			TokenSubject:  tokenSubject,
			PayloadCaller: payloadCaller,
		}
	}
	return nil
}

// CallerMismatchError 表示 payload 身份与 token 不匹配
type CallerMismatchError struct {
	TokenSubject  string
	PayloadCaller string
}

func (e *CallerMismatchError) Error() string {
	return "caller in payload does not match token"
}
