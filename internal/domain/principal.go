package domain

// Role — роль аутентифицированного пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Principal — пара {userId, role}, которую передаёт граница аутентификации.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin сообщает, есть ли у пользователя права администратора.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
