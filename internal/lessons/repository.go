// Package lessons reads catalog lessons owned by the wider platform.
package lessons

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orthodoxlms/backend/internal/models"
)

// ErrNotFound is returned when the lesson does not exist.
var ErrNotFound = errors.New("lesson not found")

// Reader is the lesson lookup the video pipeline depends on.
type Reader interface {
	GetLesson(ctx context.Context, id uuid.UUID) (*models.Lesson, error)
}

// Repository reads lessons from the platform schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a lesson repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetLesson returns a lesson by ID.
func (r *Repository) GetLesson(ctx context.Context, id uuid.UUID) (*models.Lesson, error) {
	const q = `SELECT id, course_id, title, author_id, status, updated_at FROM lessons WHERE id = $1`
	var l models.Lesson
	err := r.pool.QueryRow(ctx, q, id).Scan(&l.ID, &l.CourseID, &l.Title, &l.AuthorID, &l.Status, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CanObserve reports whether subject may watch the lesson's video progress:
// admins always, otherwise only the lesson's author.
func CanObserve(ctx context.Context, r Reader, subjectID uuid.UUID, role string, lessonID uuid.UUID) (bool, error) {
	if models.Role(role) == models.RoleAdmin {
		return true, nil
	}
	l, err := r.GetLesson(ctx, lessonID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.AuthorID == subjectID, nil
}

// Memory is an in-memory Reader for tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	lessons map[uuid.UUID]models.Lesson
}

// NewMemory creates an empty in-memory lesson reader.
func NewMemory() *Memory {
	return &Memory{lessons: make(map[uuid.UUID]models.Lesson)}
}

// Put adds or replaces a lesson.
func (m *Memory) Put(l models.Lesson) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons[l.ID] = l
}

// GetLesson implements Reader.
func (m *Memory) GetLesson(_ context.Context, id uuid.UUID) (*models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lessons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}
