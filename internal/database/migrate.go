package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Migrate creates or updates the grading tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Evaluation{}, &models.EvaluationSubmission{}, &models.GradingJob{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
