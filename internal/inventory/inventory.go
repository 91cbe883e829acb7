// Package inventory manages the desired-node document: a JSON file of
// monitored targets keyed by ID, edited by the operator or through the
// control API. The poller never reads this file directly; the driver loads
// it into a node list and reconciles against that snapshot.
package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// ErrNotFound reports that no entry matches the requested node name.
var ErrNotFound = errors.New("node not found in inventory")

// ErrDuplicateName reports an attempt to add a node under an existing name.
var ErrDuplicateName = errors.New("node name already exists in inventory")

// Entry is one monitored target as stored in the inventory document.
// Credentials holds the AES-encrypted JSON of models.Credentials; plaintext
// JSON is accepted on read for unencrypted deployments.
type Entry struct {
	Name             string `json:"name" validate:"required"`
	Hostname         string `json:"hostname" validate:"required"`
	User             string `json:"user"`
	OperatingSystem  string `json:"operating_system" validate:"required"`
	PollingFrequency int    `json:"polling_frequency" validate:"gte=0"`
	Transport        string `json:"transport,omitempty" validate:"omitempty,oneof=ssh winrm"`
	Port             int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Credentials      string `json:"credentials,omitempty"`
}

// Cipher encrypts and decrypts stored credentials. Satisfied by
// *auth.Service; nil disables encryption.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// Store reads and writes the inventory document. All mutating operations
// rewrite the whole file; the document is small and single-operator.
type Store struct {
	path            string
	cipher          Cipher
	defaultInterval time.Duration
	logger          *slog.Logger
	validate        *validator.Validate

	mu sync.Mutex
}

// NewStore creates a store over the document at path. The file does not
// need to exist yet; a missing file loads as an empty inventory.
func NewStore(path string, cipher Cipher, defaultInterval time.Duration, logger *slog.Logger) *Store {
	return &Store{
		path:            path,
		cipher:          cipher,
		defaultInterval: defaultInterval,
		logger:          logger.With("component", "inventory"),
		validate:        validator.New(),
	}
}

// Path returns the document location on disk.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document and builds the desired node list. Entries with
// an unsupported OS or failing validation are skipped with a warning; a
// single bad entry never fails the whole load.
func (s *Store) Load() ([]models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	nodes := make([]models.Node, 0, len(doc))
	for id, entry := range doc {
		node, err := s.nodeFromEntry(entry)
		if err != nil {
			s.logger.Warn("skipping inventory entry", "id", id, "name", entry.Name, "error", err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Entries returns the raw document keyed by entry ID, with credentials
// redacted.
func (s *Store) Entries() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	for id, entry := range doc {
		entry.Credentials = ""
		doc[id] = entry
	}
	return doc, nil
}

// Add validates the entry, encrypts the supplied credentials, persists the
// document, and returns the new entry's ID. Names must be unique.
func (s *Store) Add(entry Entry, creds models.Credentials) (string, error) {
	if err := s.validate.Struct(entry); err != nil {
		return "", fmt.Errorf("invalid inventory entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return "", err
	}

	for _, existing := range doc {
		if existing.Name == entry.Name {
			return "", fmt.Errorf("%w: %s", ErrDuplicateName, entry.Name)
		}
	}

	encoded, err := s.encodeCredentials(creds)
	if err != nil {
		return "", err
	}
	entry.Credentials = encoded

	id := uuid.New().String()
	doc[id] = entry

	if err := s.writeLocked(doc); err != nil {
		return "", err
	}
	s.logger.Info("node added to inventory", "name", entry.Name, "id", id)
	return id, nil
}

// Remove deletes the named entry and persists the document.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}

	for id, entry := range doc {
		if entry.Name == name {
			delete(doc, id)
			if err := s.writeLocked(doc); err != nil {
				return err
			}
			s.logger.Info("node removed from inventory", "name", name, "id", id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// UpdateInterval changes the polling frequency of the named entry and
// persists the document.
func (s *Store) UpdateInterval(name string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("polling frequency must be positive, got %d", seconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}

	for id, entry := range doc {
		if entry.Name == name {
			entry.PollingFrequency = seconds
			doc[id] = entry
			if err := s.writeLocked(doc); err != nil {
				return err
			}
			s.logger.Info("node interval updated", "name", name, "interval_seconds", seconds)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// readLocked loads the raw document. Caller holds s.mu.
func (s *Store) readLocked() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]Entry), nil
		}
		return nil, fmt.Errorf("read inventory %s: %w", s.path, err)
	}

	doc := make(map[string]Entry)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", s.path, err)
	}
	return doc, nil
}

// writeLocked persists the document atomically via a temp-file rename.
// Caller holds s.mu.
func (s *Store) writeLocked(doc map[string]Entry) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write inventory %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace inventory %s: %w", s.path, err)
	}
	return nil
}

// nodeFromEntry converts a stored entry into a desired node.
func (s *Store) nodeFromEntry(entry Entry) (models.Node, error) {
	if err := s.validate.Struct(entry); err != nil {
		return models.Node{}, fmt.Errorf("invalid entry: %w", err)
	}

	osKind := models.ParseOSKind(entry.OperatingSystem)
	if osKind == models.OSUnsupported {
		return models.Node{}, fmt.Errorf("unsupported OS %q", entry.OperatingSystem)
	}

	interval := time.Duration(entry.PollingFrequency) * time.Second
	if interval <= 0 {
		interval = s.defaultInterval
	}

	transportKind := models.TransportKind(entry.Transport)
	if transportKind == "" {
		transportKind = models.TransportSSH
	}

	creds, err := s.decodeCredentials(entry.Credentials)
	if err != nil {
		return models.Node{}, err
	}

	return models.Node{
		Name:        entry.Name,
		Host:        entry.Hostname,
		User:        entry.User,
		Port:        entry.Port,
		OS:          osKind,
		Transport:   transportKind,
		Interval:    interval,
		Credentials: creds,
	}, nil
}

func (s *Store) encodeCredentials(creds models.Credentials) (string, error) {
	if creds == (models.Credentials{}) {
		return "", nil
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	if s.cipher == nil {
		return string(payload), nil
	}
	encrypted, err := s.cipher.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return encrypted, nil
}

// decodeCredentials decrypts the stored blob, falling back to plaintext
// JSON for unencrypted documents (legacy support, matching what Encrypt
// writes when no cipher is configured).
func (s *Store) decodeCredentials(raw string) (models.Credentials, error) {
	var creds models.Credentials
	if raw == "" {
		return creds, nil
	}

	payload := []byte(raw)
	if s.cipher != nil {
		if decrypted, err := s.cipher.Decrypt(raw); err == nil {
			payload = decrypted
		}
	}

	if err := json.Unmarshal(payload, &creds); err != nil {
		return creds, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
