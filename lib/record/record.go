// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/codec"
	"github.com/bureau-foundation/prison/lib/rules"
)

// ErrNotFound is returned by Load when no record exists for the id. It
// wraps os.ErrNotExist.
var ErrNotFound = fmt.Errorf("prison record not found: %w", os.ErrNotExist)

const extension = ".cbor"

// Record is the persisted state of one prison.
type Record struct {
	ID          uuid.UUID           `cbor:"id"`
	Tag         string              `cbor:"tag,omitempty"`
	Rules       rules.Specification `cbor:"rules"`
	Username    string              `cbor:"username,omitempty"`
	Locked      bool                `cbor:"locked"`
	DesktopName string              `cbor:"desktop_name,omitempty"`
	CreatedAt   time.Time           `cbor:"created_at"`
}

// Store keeps one file per prison under a directory.
type Store struct {
	directory string
}

// NewStore returns a Store rooted at directory. The directory is
// created on first Save.
func NewStore(directory string) *Store {
	return &Store{directory: directory}
}

// Directory returns the directory records are kept in.
func (s *Store) Directory() string {
	return s.directory
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.directory, id.String()+extension)
}

// Save atomically writes the record. The file is written to a
// temporary location in the same directory, fsynced, and renamed into
// place, so readers never see a partial write.
func (s *Store) Save(record Record) error {
	if record.ID == uuid.Nil {
		return fmt.Errorf("saving prison record: nil id")
	}
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding prison record %s: %w", record.ID, err)
	}
	if err := os.MkdirAll(s.directory, 0o700); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}

	path := s.path(record.ID)
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary record file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary record file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary record file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary record file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming record file into place: %w", err)
	}

	syncDirectory(s.directory)
	return nil
}

// Load reads the record for id. A missing record returns an error
// wrapping ErrNotFound.
func (s *Store) Load(id uuid.UUID) (Record, error) {
	return s.read(s.path(id))
}

func (s *Store) read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("parsing prison record %s: %w", path, err)
	}
	return record, nil
}

// LoadAll reads every record, ordered by creation time. A missing
// directory yields no records. Files that are not named after a uuid
// are ignored; a record that fails to parse is an error.
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.directory)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, extension) {
			continue
		}
		if _, err := uuid.Parse(strings.TrimSuffix(name, extension)); err != nil {
			continue
		}
		record, err := s.read(filepath.Join(s.directory, name))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	slices.SortFunc(records, func(a, b Record) int {
		if order := a.CreatedAt.Compare(b.CreatedAt); order != 0 {
			return order
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return records, nil
}

// Delete removes the record for id. Deleting a missing record is not
// an error.
func (s *Store) Delete(id uuid.UUID) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting prison record %s: %w", id, err)
	}
	syncDirectory(s.directory)
	return nil
}

// syncDirectory makes a rename or unlink durable across power loss.
func syncDirectory(directory string) {
	parent, err := os.Open(directory)
	if err == nil {
		parent.Sync()
		parent.Close()
	}
}
