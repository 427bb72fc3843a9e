package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/classline/messaging-backend/internal/models"
	"gorm.io/gorm"
)

type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) FindByID(ctx context.Context, id uint) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).First(&profile, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// TeachersForStudent resolves the student's enrolled courses to the
// distinct teachers assigned to them.
func (r *ProfileRepository) TeachersForStudent(ctx context.Context, studentProfileID uint) ([]models.Profile, error) {
	query := strings.TrimSpace(`
SELECT DISTINCT p.*
FROM profiles p
JOIN teacher_assignments ta ON ta.teacher_profile_id = p.id
JOIN enrollments e ON e.course_id = ta.course_id
WHERE e.student_profile_id = ? AND p.role = ?
ORDER BY p.display_name ASC`)

	var teachers []models.Profile
	err := r.db.WithContext(ctx).Raw(query, studentProfileID, models.RoleTeacher).Scan(&teachers).Error
	return teachers, err
}

func (r *ProfileRepository) SchoolMembers(ctx context.Context, schoolID, excludeProfileID uint) ([]models.Profile, error) {
	var members []models.Profile
	err := r.db.WithContext(ctx).
		Where("school_id = ? AND id <> ?", schoolID, excludeProfileID).
		Order("display_name ASC").
		Find(&members).Error
	return members, err
}
