package recents

import (
	"errors"
	"io/fs"

	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/securestore"
	"echo-chat/go-engine/pkg/models"
)

const stateVersion = 1

var ErrInvalidState = errors.New("recent recipients payload is invalid")

// FileStateStore keeps the recent-recipient set as a JSON file, encrypted when
// a secret is configured. An empty path disables persistence.
type FileStateStore struct {
	path   string
	secret string
}

func NewFileStateStore() *FileStateStore {
	return &FileStateStore{}
}

func (s *FileStateStore) Configure(path, secret string) {
	s.path, s.secret = securestore.NormalizeStorageConfig(path, secret)
}

func (s *FileStateStore) Bootstrap() ([]models.Identity, error) {
	if s.path == "" {
		return nil, nil
	}
	var state persistedRecentState
	if err := securestore.ReadJSON(s.path, s.secret, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if state.Version != stateVersion {
		return nil, ErrInvalidState
	}
	out := make([]models.Identity, 0, len(state.Recipients))
	for _, raw := range state.Recipients {
		if id := identity.Normalize(raw); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *FileStateStore) Persist(ids []models.Identity) error {
	if s.path == "" {
		return nil
	}
	state := persistedRecentState{
		Version:    stateVersion,
		Recipients: make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		state.Recipients = append(state.Recipients, id.String())
	}
	return securestore.WriteJSON(s.path, s.secret, state)
}

type persistedRecentState struct {
	Version    int      `json:"version"`
	Recipients []string `json:"recipients"`
}
