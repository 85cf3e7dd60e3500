// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/absmach/mmx/storage"
	"github.com/google/uuid"
)

// AuthMode flags control how a login is performed.
type AuthMode uint8

// Authentication flags.
const (
	// AuthAutoCreate creates the account when the server rejects the login.
	AuthAutoCreate AuthMode = 1 << iota
	// AuthAnonymous marks a generated guest account.
	AuthAnonymous
)

// Has reports whether all flags in f are set.
func (m AuthMode) Has(f AuthMode) bool {
	return m&f == f
}

// String returns a readable flag list.
func (m AuthMode) String() string {
	var parts []string
	if m.Has(AuthAnonymous) {
		parts = append(parts, "anonymous")
	}
	if m.Has(AuthAutoCreate) {
		parts = append(parts, "auto_create")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Username limits.
const (
	MinUsernameLen = 1
	MaxUsernameLen = 40

	// anonymousPrefix marks generated guest user IDs.
	anonymousPrefix = "_anon-"
)

const usernameInvalidChars = "%/@&"

// Credentials identify the account used to log in.
type Credentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	AuthMode AuthMode `json:"mode,omitempty"`

	// Used when the account is created on the fly.
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Validate checks the username and password.
func (c Credentials) Validate() error {
	n := len([]rune(c.Username))
	if n < MinUsernameLen || n > MaxUsernameLen {
		return fmt.Errorf("%w: length must be %d..%d", ErrInvalidUsername, MinUsernameLen, MaxUsernameLen)
	}
	if strings.ContainsAny(c.Username, usernameInvalidChars) {
		return fmt.Errorf("%w: %q contains one of %q", ErrInvalidUsername, c.Username, usernameInvalidChars)
	}
	if c.Password == "" {
		return ErrInvalidPassword
	}
	return nil
}

var lowerBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func newAnonymousCredentials() (Credentials, error) {
	id := uuid.New()
	secret := make([]byte, 17)
	if _, err := rand.Read(secret); err != nil {
		return Credentials{}, fmt.Errorf("failed to generate anonymous secret: %w", err)
	}
	return Credentials{
		Username: anonymousPrefix + strings.ToLower(lowerBase32.EncodeToString(id[:])),
		Password: strings.ToLower(lowerBase32.EncodeToString(secret)),
		AuthMode: AuthAnonymous | AuthAutoCreate,
	}, nil
}

// Settings keys.
const (
	keyCredentials = "credentials"
	keyAnonymous   = "anonymous"
	keyDeviceID    = "device_id"
)

// credentialStore keeps credentials sealed with an scrypt-derived age key
// in the settings store.
type credentialStore struct {
	kv         storage.KV
	passphrase string
	workFactor int
}

func newCredentialStore(kv storage.KV, appID, apiKey string, workFactor int) *credentialStore {
	return &credentialStore{
		kv:         kv,
		passphrase: "mmx|" + appID + "|" + apiKey,
		workFactor: workFactor,
	}
}

func (cs *credentialStore) seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(cs.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if cs.workFactor > 0 {
		recipient.SetWorkFactor(cs.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (cs *credentialStore) open(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(cs.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return io.ReadAll(r)
}

func (cs *credentialStore) save(key string, c Credentials) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	sealed, err := cs.seal(plain)
	if err != nil {
		return err
	}
	return cs.kv.Set(key, sealed)
}

// load returns ErrNoCredentials when nothing is stored under key.
func (cs *credentialStore) load(key string) (Credentials, error) {
	sealed, err := cs.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, err
	}
	plain, err := cs.open(sealed)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials: %w", err)
	}
	return c, nil
}

func (cs *credentialStore) clear() error {
	return cs.kv.Remove(keyCredentials)
}

// anonymous loads the guest identity, generating and persisting it once.
func (cs *credentialStore) anonymous() (Credentials, error) {
	c, err := cs.load(keyAnonymous)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNoCredentials) {
		return Credentials{}, err
	}
	if c, err = newAnonymousCredentials(); err != nil {
		return Credentials{}, err
	}
	if err := cs.save(keyAnonymous, c); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// deviceID returns the persisted device identifier, creating one if needed.
func deviceID(kv storage.KV) (string, error) {
	v, err := kv.Get(keyDeviceID)
	if err == nil && len(v) > 0 {
		return string(v), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	id := uuid.NewString()
	if err := kv.Set(keyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
