package credential

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// sessionKey is the single namespaced key the credential lives under.
// Logout or irrecoverable auth failure deletes exactly this key.
const sessionKey = "godesk/session/credential"

// SessionStore persists the credential to a small on-disk KV so a client
// restart mid-session does not force re-authentication. It keeps an
// in-memory copy so Get never touches the disk on the hot path.
type SessionStore struct {
	mu   sync.RWMutex
	db   *badger.DB
	cred *Credential
}

// OpenOptions configures the session store.
type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil the DB is opened without encryption
}

// OpenSession opens (or creates) the session store at opts.Path and loads
// any previously persisted credential.
func OpenSession(opts OpenOptions) (*SessionStore, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("credential: session path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "credential: open session store")
	}

	s := &SessionStore{db: db}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying KV. The in-memory credential stays usable.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SessionStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return errors.Wrap(err, "credential: read session store")
		}
		return item.Value(func(val []byte) error {
			var c Credential
			if err := json.Unmarshal(val, &c); err != nil {
				// A corrupt blob is equivalent to no session; do not block
				// startup on it.
				return nil
			}
			s.cred = &c
			return nil
		})
	})
}

func (s *SessionStore) Get() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil
	}
	cp := *s.cred
	return &cp
}

func (s *SessionStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &c
	if s.db == nil {
		return nil
	}
	buf, err := json.Marshal(&c)
	if err != nil {
		return errors.Wrap(err, "credential: marshal")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKey), buf)
	})
}

// ParseKey expects 32 bytes encoded as hex or base64. Returns nil for
// empty input, which opens the session store unencrypted.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, errors.Errorf("credential: decoded key length must be 32, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("credential: decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("credential: key must be base64(32 bytes) or hex(32 bytes)")
}

func (s *SessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(sessionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
