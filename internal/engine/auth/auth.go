package auth

import (
	"fmt"
	"slices"
	"strings"
)

const (
	RoleAdmin     = "admin"
	RoleAnnotator = "annotator"
)

const (
	PermLeaseRequest  = "lease.request"
	PermSubmit        = "submission.create"
	PermStatsSelf     = "stats.self"
	PermStatsRead     = "stats.read"
	PermLedgerRead    = "ledger.read"
	PermReclaimRun    = "reclaim.run"
	PermReceiptRead   = "receipt.read"
	PermExportRead    = "export.read"
	PermEventsRead    = "events.read"
	PermAPIKeyManage  = "apikey.manage"
	PermActOnBehalfOf = "user.impersonate"
)

var rolePermissions = map[string][]string{
	RoleAnnotator: {PermLeaseRequest, PermSubmit, PermStatsSelf},
	RoleAdmin: {
		PermLeaseRequest, PermSubmit, PermStatsSelf,
		PermStatsRead, PermLedgerRead, PermReclaimRun, PermReceiptRead,
		PermExportRead, PermEventsRead, PermAPIKeyManage, PermActOnBehalfOf,
	},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Roles  []string
	Source string
}

// Service resolves roles and permissions. Users named in Admins are admins
// regardless of the roles their credential carries.
type Service struct {
	Admins []string
}

// Roles returns the effective roles for userID. Everyone is an annotator.
func (s Service) Roles(userID string, granted []string) []string {
	roles := []string{RoleAnnotator}
	for _, r := range granted {
		r = strings.TrimSpace(r)
		if r != "" && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	if slices.Contains(s.Admins, userID) && !slices.Contains(roles, RoleAdmin) {
		roles = append(roles, RoleAdmin)
	}
	return roles
}

func (s Service) Permissions(p Principal) []string {
	var perms []string
	for _, r := range s.Roles(p.UserID, p.Roles) {
		for _, perm := range rolePermissions[r] {
			if !slices.Contains(perms, perm) {
				perms = append(perms, perm)
			}
		}
	}
	slices.Sort(perms)
	return perms
}

func (s Service) IsAdmin(p Principal) bool {
	return slices.Contains(s.Roles(p.UserID, p.Roles), RoleAdmin)
}

func (s Service) Require(p Principal, perm string) error {
	if slices.Contains(s.Permissions(p), perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ActingUser returns the user a request acts for. An empty requested user
// means the caller; anyone else requires PermActOnBehalfOf.
func (s Service) ActingUser(p Principal, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == p.UserID {
		return p.UserID, nil
	}
	if err := s.Require(p, PermActOnBehalfOf); err != nil {
		return "", err
	}
	return requested, nil
}
