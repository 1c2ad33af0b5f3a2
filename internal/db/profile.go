package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultVehicle is shown until the user sets one.
const DefaultVehicle = "Kawasaki H2R"

// Profile is the user's display settings.
type Profile struct {
	Name    string `json:"name"`
	Vehicle string `json:"vehicle"`
}

// Contact is one emergency contact.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// ProfileKey and ContactsKey namespace blobs by user id.
func ProfileKey(userID string) string  { return "profile_" + userID }
func ContactsKey(userID string) string { return "emergencyContacts_" + userID }

// DefaultProfile derives a profile from the user id: the part before '@'
// becomes the name.
func DefaultProfile(userID string) Profile {
	name, _, _ := strings.Cut(userID, "@")
	return Profile{Name: name, Vehicle: DefaultVehicle}
}

// Profile returns the stored profile, or DefaultProfile when none exists.
// Empty stored fields fall back to the defaults.
func (db *DB) Profile(ctx context.Context, userID string) (Profile, error) {
	def := DefaultProfile(userID)
	raw, err := db.GetBlob(ctx, ProfileKey(userID))
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Vehicle == "" {
		p.Vehicle = def.Vehicle
	}
	return p, nil
}

// SaveProfile replaces the stored profile.
func (db *DB) SaveProfile(ctx context.Context, userID string, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return db.PutBlob(ctx, ProfileKey(userID), raw)
}

// Contacts returns the stored contacts in insertion order.
func (db *DB) Contacts(ctx context.Context, userID string) ([]Contact, error) {
	raw, err := db.GetBlob(ctx, ContactsKey(userID))
	if errors.Is(err, ErrNotFound) {
		return []Contact{}, nil
	}
	if err != nil {
		return nil, err
	}
	contacts := []Contact{}
	if err := json.Unmarshal(raw, &contacts); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return contacts, nil
}

// AddContact appends c and returns the updated list.
func (db *DB) AddContact(ctx context.Context, userID string, c Contact) ([]Contact, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	contacts := []Contact{}
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, ContactsKey(userID)).Scan(&raw)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &contacts); err != nil {
			return nil, fmt.Errorf("decode contacts: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get contacts: %w", err)
	}

	contacts = append(contacts, c)
	raw, err = json.Marshal(contacts)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		ContactsKey(userID), raw,
	); err != nil {
		return nil, fmt.Errorf("put contacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return contacts, nil
}
