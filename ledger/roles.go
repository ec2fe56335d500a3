package ledger

import "fmt"

// Role is an enforced capability tag. It is deliberately separate from the
// free-text RoleLabel stored on a Stakeholder: the label is cosmetic, the
// Role is what authorization checks look at.
type Role uint8

const (
	RoleManufacturer Role = 1 << iota
	RoleDistributor
	RolePharmacist
	RoleRegulator
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleManufacturer: "manufacturer",
	RoleDistributor:  "distributor",
	RolePharmacist:   "pharmacist",
	RoleRegulator:    "regulator",
	RoleAdmin:        "admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a wire-level role tag to a Role.
func ParseRole(tag string) (Role, error) {
	for role, name := range roleNames {
		if name == tag {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", tag)
}

// RoleSet is a bitmask of granted capability roles.
type RoleSet uint8

func (s RoleSet) Has(r Role) bool {
	return s&RoleSet(r) != 0
}

func (s *RoleSet) Grant(r Role) {
	*s |= RoleSet(r)
}

// Names returns the granted role tags in declaration order.
func (s RoleSet) Names() []string {
	names := []string{}
	for _, role := range []Role{RoleManufacturer, RoleDistributor, RolePharmacist, RoleRegulator, RoleAdmin} {
		if s.Has(role) {
			names = append(names, role.String())
		}
	}
	return names
}
