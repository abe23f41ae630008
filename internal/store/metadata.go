package store

import "database/sql"

// Keys under this prefix record content hashes of imported task files.
const importedFilePrefix = "imported_file:"

// SetMetadata upserts a key-value pair in the app_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetImportedFileHash records the content hash of an imported task file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	return s.SetMetadata(importedFilePrefix+path, hash)
}

// GetImportedFileHash returns the recorded content hash for a task file,
// or empty string when the file has never been imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	return s.GetMetadata(importedFilePrefix + path)
}
