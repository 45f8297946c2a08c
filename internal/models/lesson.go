package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the platform.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// LessonStatus is the publication state of a lesson, owned by the course catalog.
type LessonStatus string

const (
	LessonStatusDraft     LessonStatus = "draft"
	LessonStatusPublished LessonStatus = "published"
	LessonStatusFinalized LessonStatus = "finalized"
	LessonStatusArchived  LessonStatus = "archived"
)

// Lesson is the read-only view of a catalog lesson the video pipeline needs.
type Lesson struct {
	ID        uuid.UUID    `json:"id"`
	CourseID  uuid.UUID    `json:"course_id"`
	Title     string       `json:"title"`
	AuthorID  uuid.UUID    `json:"author_id"`
	Status    LessonStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Closed reports whether the lesson no longer accepts new videos.
func (l *Lesson) Closed() bool {
	return l.Status == LessonStatusFinalized || l.Status == LessonStatusArchived
}
