package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// InMemoryIdentityRepository is an IdentityRepository for tests and local
// development. It enforces the same unique constraints as the schema.
type InMemoryIdentityRepository struct {
	mu       sync.RWMutex
	users    map[string]User // by subject
	external []ExternalIdentity
	logins   []LoginRecord
	nextID   int64
}

// NewInMemoryIdentityRepository creates a new in-memory identity repository
func NewInMemoryIdentityRepository() *InMemoryIdentityRepository {
	return &InMemoryIdentityRepository{users: make(map[string]User), nextID: 1}
}

func (r *InMemoryIdentityRepository) CreateUser(_ context.Context, _ dbx.DBTX, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.Subject]; ok {
		return fmt.Errorf("%w: user", ErrDuplicateKey)
	}
	for _, u := range r.users {
		if user.SSNEncrypted != "" && u.SSNEncrypted == user.SSNEncrypted {
			return fmt.Errorf("%w: user", ErrDuplicateKey)
		}
		if user.TIN != "" && u.TIN == user.TIN {
			return fmt.Errorf("%w: user", ErrDuplicateKey)
		}
	}
	r.users[user.Subject] = user
	return nil
}

func (r *InMemoryIdentityRepository) GetUserBySubject(_ context.Context, _ dbx.DBTX, subject string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[subject]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *InMemoryIdentityRepository) GetUserBySSN(_ context.Context, _ dbx.DBTX, ssnEncrypted string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.SSNEncrypted != "" && u.SSNEncrypted == ssnEncrypted {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (r *InMemoryIdentityRepository) GetUserByTIN(_ context.Context, _ dbx.DBTX, tin string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.TIN != "" && u.TIN == tin {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (r *InMemoryIdentityRepository) CreateExternalIdentity(_ context.Context, _ dbx.DBTX, ext ExternalIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.external {
		if e.Provider == ext.Provider && e.ExternalSubject == ext.ExternalSubject {
			return fmt.Errorf("%w: external identity", ErrDuplicateKey)
		}
	}
	ext.ID = r.nextID
	r.nextID++
	r.external = append(r.external, ext)
	return nil
}

func (r *InMemoryIdentityRepository) GetExternalIdentity(_ context.Context, _ dbx.DBTX, provider, externalSubject string) (ExternalIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.external {
		if e.Provider == provider && e.ExternalSubject == externalSubject {
			return e, nil
		}
	}
	return ExternalIdentity{}, ErrUserNotFound
}

func (r *InMemoryIdentityRepository) CreateLoginRecord(_ context.Context, _ dbx.DBTX, record LoginRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.ID = r.nextID
	r.nextID++
	if record.Created.IsZero() {
		record.Created = time.Now()
	}
	r.logins = append(r.logins, record)
	return nil
}

// UserCount reports the number of stored users.
func (r *InMemoryIdentityRepository) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// LoginRecords returns a copy of the audit trail.
func (r *InMemoryIdentityRepository) LoginRecords() []LoginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LoginRecord, len(r.logins))
	copy(out, r.logins)
	return out
}
