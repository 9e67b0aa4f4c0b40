// Package roles derives a caller's domain role from profile membership.
package roles

import (
	"context"
	"fmt"
	"strings"

	"cabohealth/pkg/domain"
)

// ProfileDirectory answers membership questions for the two profile
// collections. Found is false with a nil error when the id is absent.
type ProfileDirectory interface {
	FindDoctor(ctx context.Context, id string) (profileID string, found bool, err error)
	FindPatient(ctx context.Context, id string) (profileID string, found bool, err error)
}

// Resolution is the outcome of resolving an identity.
type Resolution struct {
	Role      domain.Role `json:"role"`
	ProfileID string      `json:"profileId,omitempty"`
}

type Resolver struct {
	dir ProfileDirectory
}

func NewResolver(dir ProfileDirectory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve checks doctors first, then patients. An identity present in both
// collections resolves to doctor. Lookup errors are returned without retry.
func (r *Resolver) Resolve(ctx context.Context, identityID string) (Resolution, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return Resolution{Role: domain.RoleNone}, nil
	}
	id, ok, err := r.dir.FindDoctor(ctx, identityID)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup doctor profile: %w", err)
	}
	if ok {
		return Resolution{Role: domain.RoleDoctor, ProfileID: id}, nil
	}
	id, ok, err = r.dir.FindPatient(ctx, identityID)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup patient profile: %w", err)
	}
	if ok {
		return Resolution{Role: domain.RolePatient, ProfileID: id}, nil
	}
	return Resolution{Role: domain.RoleNone}, nil
}
