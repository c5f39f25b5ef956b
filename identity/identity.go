/*
Package identity resolves who is calling and, for teachers, which teacher
profile they own.

PURPOSE:
  The lifecycle authorizes transitions by role (ADMIN/TEACHER/STUDENT) and,
  for teachers, by comparing the caller's teacher profile with the lesson's
  teacher. This package owns both lookups; authentication itself (issuing
  and verifying bearer tokens) lives in jwt.go.

ROLES:
  ADMIN   - may drive any lesson and edit configuration
  TEACHER - may start/complete own lessons and fulfil own obligations
  STUDENT - read-only
  SYSTEM  - scheduler-initiated operations (missed-lesson sweep, rollups)

SEE ALSO:
  - jwt.go: Bearer token claims
  - lesson/lifecycle.go: Authorization checks
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
	RoleSystem  Role = "SYSTEM"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Caller is the resolved identity behind a request.
type Caller struct {
	UserID string
	Role   Role
}

func (c Caller) IsAdmin() bool   { return c.Role == RoleAdmin }
func (c Caller) IsTeacher() bool { return c.Role == RoleTeacher }
func (c Caller) IsSystem() bool  { return c.Role == RoleSystem }

// System is the caller used by scheduled jobs.
func System() Caller {
	return Caller{UserID: "system", Role: RoleSystem}
}

// ErrNoTeacherProfile is returned when a user has no teacher profile.
var ErrNoTeacherProfile = errors.New("user has no teacher profile")

// Directory maps users to their teacher profile.
type Directory interface {
	// TeacherIDForUser returns the teacher id owned by userID, or
	// ErrNoTeacherProfile.
	TeacherIDForUser(ctx context.Context, userID string) (string, error)
}

// =============================================================================
// CONTEXT
// =============================================================================

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
