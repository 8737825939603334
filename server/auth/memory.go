package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/s00inx/goserver/server/locker"
)

// MemoryStore keeps users in a map.
type MemoryStore struct {
	mu    locker.Mutex
	users map[string]string
	cost  int
}

// NewMemoryStore returns a store seeded with user -> secret pairs.
func NewMemoryStore(cost int, seed map[string]string) *MemoryStore {
	users := make(map[string]string, len(seed))
	for u, s := range seed {
		users[u] = s
	}
	return &MemoryStore{users: users, cost: cost}
}

func (s *MemoryStore) Lookup(user string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.users[user]
	return secret, ok, nil
}

func (s *MemoryStore) Register(user, password string) error {
	if user == "" || password == "" {
		return ErrEmptyCredentials
	}

	// hash outside of the lock, bcrypt is slow on purpose
	secret, err := Hash(password, s.cost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; ok {
		return ErrUserExists
	}
	s.users[user] = secret
	return nil
}

// LoadUsers reads "user:secret" lines, blank lines and # comments are skipped.
func LoadUsers(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string]string)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		user, secret, ok := strings.Cut(line, ":")
		if !ok || user == "" || secret == "" {
			return nil, fmt.Errorf("auth: %s:%d: want user:secret", path, n)
		}
		users[user] = secret
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
