package rbac

import (
	"encoding/json"
	"fmt"
)

// Matrix maps each resource to its action flags. A resource without an entry
// is denied every action.
type Matrix map[Resource]Permissions

// NewMatrix returns a matrix with an explicit all-false entry per resource.
func NewMatrix() Matrix {
	m := make(Matrix, len(resources))
	for _, r := range resources {
		m[r] = Permissions{}
	}
	return m
}

// FullMatrix grants every action on every resource.
func FullMatrix() Matrix {
	m := make(Matrix, len(resources))
	for _, r := range resources {
		m[r] = AllPermissions()
	}
	return m
}

// Clone returns an independent copy.
func (m Matrix) Clone() Matrix {
	if m == nil {
		return nil
	}
	out := make(Matrix, len(m))
	for r, p := range m {
		out[r] = p
	}
	return out
}

// Validate rejects resources outside the closed set.
func (m Matrix) Validate() error {
	for r := range m {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown resource %q", ErrInvalidMatrix, string(r))
		}
	}
	return nil
}

// Normalized returns a copy holding an explicit entry for every known resource.
func (m Matrix) Normalized() Matrix {
	out := NewMatrix()
	for r, p := range m {
		if r.Valid() {
			out[r] = p
		}
	}
	return out
}

// Merge returns a copy of m with the entries of patch replacing its own.
func (m Matrix) Merge(patch Matrix) Matrix {
	out := m.Clone()
	if out == nil {
		out = make(Matrix, len(patch))
	}
	for r, p := range patch {
		out[r] = p
	}
	return out
}

// UnmarshalJSON decodes an API payload, rejecting unknown resources, unknown
// action keys and non-boolean flags.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw map[string]map[string]*json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(Matrix, len(raw))
	for resourceName, flags := range raw {
		resource, err := ParseResource(resourceName)
		if err != nil {
			return err
		}
		var perms Permissions
		seen := make(map[Action]string, len(flags))
		for actionName, value := range flags {
			action, err := ParseAction(actionName)
			if err != nil {
				return err
			}
			if prev, dup := seen[action]; dup {
				return fmt.Errorf("%w: %s sets both %s and %s", ErrInvalidMatrix, resourceName, prev, actionName)
			}
			seen[action] = actionName
			var flag *bool
			if value != nil {
				if err := json.Unmarshal(*value, &flag); err != nil {
					flag = nil
				}
			}
			if flag == nil {
				return fmt.Errorf("%w: %s.%s must be a boolean", ErrInvalidMatrix, resourceName, actionName)
			}
			perms.set(action, *flag)
		}
		out[resource] = perms
	}
	*m = out
	return nil
}

// decodeStoredMatrix reads a persisted matrix leniently: entries for resources
// no longer known are dropped and missing ones denied.
func decodeStoredMatrix(data []byte) (Matrix, error) {
	var stored map[Resource]Permissions
	if len(data) > 0 {
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("rbac: decode stored matrix: %w", err)
		}
	}
	return Matrix(stored).Normalized(), nil
}
