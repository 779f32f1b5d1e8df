// Package access decides whether a principal may open a document and
// whether it may write to it.
package access

import (
	"context"
	"errors"
	"strings"

	"collab/syncd/internal/auth"
	"collab/syncd/internal/rbac"
)

var ErrDenied = errors.New("access denied")

// Principal is the caller behind a connection or request.
type Principal struct {
	Subject string
	Name    string
	Role    rbac.Role
	// Docs limits the principal to documents under these id prefixes.
	// Empty means no limit.
	Docs []string
	// Token is the bearer token the principal authenticated with. Remote
	// checkers forward it.
	Token string
}

// InScope reports whether docID falls under the principal's document scope.
func (p Principal) InScope(docID string) bool {
	if len(p.Docs) == 0 {
		return true
	}
	for _, prefix := range p.Docs {
		if strings.HasPrefix(docID, prefix) {
			return true
		}
	}
	return false
}

type Decision struct {
	Allowed  bool
	ReadOnly bool
	Role     rbac.Role
}

type Checker interface {
	CanAccess(ctx context.Context, principal Principal, docID string) (Decision, error)
}

// PrincipalFromToken verifies token and returns the principal it names.
func PrincipalFromToken(secret []byte, token string) (Principal, error) {
	claims, err := auth.ParseToken(secret, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Subject: claims.Subject,
		Name:    claims.Name,
		Role:    rbac.Normalize(claims.Role),
		Docs:    claims.Docs,
		Token:   token,
	}, nil
}

// DecisionFor maps a role to read and write permission.
func DecisionFor(role rbac.Role) Decision {
	if !rbac.Can(role, rbac.ActionRead) {
		return Decision{Role: role}
	}
	return Decision{
		Allowed:  true,
		ReadOnly: !rbac.Can(role, rbac.ActionWrite),
		Role:     role,
	}
}

// RoleChecker grants access from the principal's role and token scope.
// Documents whose id starts with one of the restricted prefixes require the
// admin role.
type RoleChecker struct {
	Restricted []string
}

func (c RoleChecker) CanAccess(_ context.Context, p Principal, docID string) (Decision, error) {
	if strings.TrimSpace(docID) == "" {
		return Decision{}, nil
	}
	if !p.InScope(docID) {
		return Decision{Role: p.Role}, nil
	}
	for _, prefix := range c.Restricted {
		if prefix != "" && strings.HasPrefix(docID, prefix) && !rbac.Can(p.Role, rbac.ActionAdmin) {
			return Decision{Role: p.Role}, nil
		}
	}
	return DecisionFor(p.Role), nil
}

// AllowAll lets everyone edit every document. Used when authentication is
// disabled.
type AllowAll struct{}

func (AllowAll) CanAccess(context.Context, Principal, string) (Decision, error) {
	return Decision{Allowed: true, Role: rbac.RoleEditor}, nil
}
