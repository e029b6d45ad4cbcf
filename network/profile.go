package network

import (
	"encoding/json"
	"log"

	"github.com/quasilyte/gdata"
)

const profileKey = "profile"

// Profile is what a client remembers between runs.
type Profile struct {
	DisplayName    string `json:"displayName"`
	ReconnectToken string `json:"reconnectToken"`
	Server         string `json:"server"`
}

type itemStore interface {
	LoadItem(key string) ([]byte, error)
	SaveItem(key string, data []byte) error
}

// ProfileStore persists the Profile in the platform's app data directory.
type ProfileStore struct {
	items itemStore
}

func OpenProfileStore(appName string) (*ProfileStore, error) {
	m, err := gdata.Open(gdata.Config{AppName: appName})
	if err != nil {
		return nil, err
	}
	return &ProfileStore{items: m}, nil
}

// Load returns the saved profile, or an empty one if nothing usable is stored.
func (s *ProfileStore) Load() Profile {
	var p Profile
	if s == nil || s.items == nil {
		return p
	}
	data, err := s.items.LoadItem(profileKey)
	if err != nil {
		log.Printf("[profile] warning: could not load profile: %v", err)
		return p
	}
	if len(data) == 0 {
		return p
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("[profile] warning: could not parse profile: %v", err)
		return Profile{}
	}
	return p
}

func (s *ProfileStore) Save(p Profile) error {
	if s == nil || s.items == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.items.SaveItem(profileKey, data); err != nil {
		log.Printf("[profile] warning: could not save profile: %v", err)
		return err
	}
	return nil
}
