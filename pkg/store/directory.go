package store

import (
	"context"

	"cabohealth/pkg/roles"
)

type profileDirectory struct {
	profiles ProfileStore
}

// NewProfileDirectory exposes profile lookups as a role directory.
func NewProfileDirectory(profiles ProfileStore) roles.ProfileDirectory {
	return profileDirectory{profiles: profiles}
}

func (d profileDirectory) FindDoctor(ctx context.Context, id string) (string, bool, error) {
	doctor, ok, err := d.profiles.GetDoctor(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	return doctor.ID, true, nil
}

func (d profileDirectory) FindPatient(ctx context.Context, id string) (string, bool, error) {
	patient, ok, err := d.profiles.GetPatient(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	return patient.ID, true, nil
}
