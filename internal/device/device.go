// Package device persists the identity of this installation: a stable
// device id sent with every sync session, the facilities it is linked to
// and the refresh token of the last login.
//
// The file is TOML, written with mode 0600 because it holds a credential.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Identity is the content of the device file.
type Identity struct {
	DeviceID     string   `toml:"device_id"`
	FacilityIDs  []string `toml:"facility_ids"`
	ServerURL    string   `toml:"server_url,omitempty"`
	Email        string   `toml:"email,omitempty"`
	UserID       string   `toml:"user_id,omitempty"`
	RefreshToken string   `toml:"refresh_token,omitempty"`
}

// File is a device file on disk. Methods are safe for concurrent use.
type File struct {
	path string

	mu sync.Mutex
	id Identity
}

// Open loads the device file at path, creating it with a fresh device id if
// it does not exist. A file without a device id gets one assigned.
func Open(path string) (*File, error) {
	f := &File{path: path}

	_, err := toml.DecodeFile(path, &f.id)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read device file %s: %w", path, err)
	}

	if f.id.DeviceID == "" {
		f.id.DeviceID = "mobile-" + uuid.NewString()
		if err := f.save(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Identity returns a copy of the current identity.
func (f *File) Identity() Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id
	id.FacilityIDs = append([]string(nil), f.id.FacilityIDs...)
	return id
}

// DeviceID returns the stable device id.
func (f *File) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.DeviceID
}

// RefreshToken returns the stored refresh token.
func (f *File) RefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.RefreshToken
}

// SetRefreshToken stores a rotated refresh token.
func (f *File) SetRefreshToken(token string) error {
	return f.Update(func(id *Identity) { id.RefreshToken = token })
}

// Update applies fn to the identity and writes the file. The device id
// cannot be changed.
func (f *File) Update(fn func(*Identity)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deviceID := f.id.DeviceID
	fn(&f.id)
	f.id.DeviceID = deviceID
	return f.save()
}

// save writes atomically: temp file in the same directory, then rename.
func (f *File) save() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".device-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write device file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write device file: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(f.id); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode device file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write device file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to write device file: %w", err)
	}
	return nil
}
