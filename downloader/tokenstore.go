package downloader

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"wmefetch/internal"
	"wmefetch/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// storeTimeLayouts are accepted when reading a token store. Files written by
// other clients may carry timestamps without a zone; those are local time.
var storeTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FileTokenStore persists token state as a JSON file.
type FileTokenStore struct {
	fileOps *utils.FileOperations
	path    string
}

// NewFileTokenStore creates a store at path on the filesystem behind fileOps.
func NewFileTokenStore(fileOps *utils.FileOperations, path string) *FileTokenStore {
	if fileOps == nil {
		fileOps = utils.NewFileOperations()
	}
	return &FileTokenStore{fileOps: fileOps, path: path}
}

// Path returns the store location.
func (s *FileTokenStore) Path() string {
	return s.path
}

// Exists reports whether a store file is present.
func (s *FileTokenStore) Exists() bool {
	return s.fileOps.FileExists(s.path)
}

type storedTokens struct {
	AccessToken             string `json:"access_token"`
	AccessTokenGeneratedAt  string `json:"access_token_generated_at"`
	RefreshToken            string `json:"refresh_token"`
	RefreshTokenGeneratedAt string `json:"refresh_token_generated_at"`
}

// Load reads the store. A missing file yields an error matching os.ErrNotExist.
func (s *FileTokenStore) Load() (*internal.TokenStore, error) {
	data, err := s.fileOps.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token store %s: %w", s.path, err)
	}

	var raw storedTokens
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, internal.NewDataError("token store is not valid JSON", err).
			WithContext("path", s.path)
	}

	accessAt, err := parseStoreTime(raw.AccessTokenGeneratedAt)
	if err != nil {
		return nil, internal.NewDataError("invalid access_token_generated_at in token store", err).
			WithContext("path", s.path)
	}
	refreshAt, err := parseStoreTime(raw.RefreshTokenGeneratedAt)
	if err != nil {
		return nil, internal.NewDataError("invalid refresh_token_generated_at in token store", err).
			WithContext("path", s.path)
	}

	return &internal.TokenStore{
		AccessToken:             raw.AccessToken,
		AccessTokenGeneratedAt:  accessAt,
		RefreshToken:            raw.RefreshToken,
		RefreshTokenGeneratedAt: refreshAt,
	}, nil
}

func parseStoreTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range storeTimeLayouts {
		t, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Save replaces the store atomically.
func (s *FileTokenStore) Save(store *internal.TokenStore) error {
	data, err := json.MarshalIndent(storedTokens{
		AccessToken:             store.AccessToken,
		AccessTokenGeneratedAt:  store.AccessTokenGeneratedAt.Format(time.RFC3339Nano),
		RefreshToken:            store.RefreshToken,
		RefreshTokenGeneratedAt: store.RefreshTokenGeneratedAt.Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token store: %w", err)
	}
	if err := s.fileOps.AtomicWriteFile(s.path, data); err != nil {
		return fmt.Errorf("failed to write token store %s: %w", s.path, err)
	}
	return nil
}

// Remove deletes the store; a missing file is not an error.
func (s *FileTokenStore) Remove() error {
	if err := s.fileOps.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token store %s: %w", s.path, err)
	}
	return nil
}
