package models

import (
	"time"
)

// Role of a messaging participant. Profiles are owned by the identity
// service; messaging treats them as read-only reference data.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

type Profile struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SchoolID    uint   `gorm:"not null;index" json:"school_id"`
	Role        Role   `gorm:"type:varchar(16);not null;index" json:"role"`
	DisplayName string `gorm:"not null" json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

type ProfileResponse struct {
	ID          uint   `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

func (p *Profile) ToResponse() ProfileResponse {
	return ProfileResponse{
		ID:          p.ID,
		Role:        p.Role,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
	}
}

// Enrollment links a student profile to a course. Used only to compute
// which teachers a student may start a conversation with.
type Enrollment struct {
	ID               uint `gorm:"primarykey"`
	StudentProfileID uint `gorm:"not null;uniqueIndex:idx_enrollment_course"`
	CourseID         uint `gorm:"not null;uniqueIndex:idx_enrollment_course"`
}

// TeacherAssignment links a teacher profile to a course they teach.
type TeacherAssignment struct {
	ID               uint `gorm:"primarykey"`
	TeacherProfileID uint `gorm:"not null;uniqueIndex:idx_assignment_course"`
	CourseID         uint `gorm:"not null;uniqueIndex:idx_assignment_course"`
}
