/**
 * @description
 * This file coordinates enrollment across the two peer services that share
 * ownership of "who is enrolled in what": the Course Registry (per-course
 * enrollment lists) and the User Profile service (per-user course lists).
 *
 * @notes
 * - The Course Registry enrolls all courses in one batch call; the User
 *   Profile service takes one call per course. A failure partway through the
 *   profile loop leaves earlier profile entries in place. That window is not
 *   unwound: the caller compensates with a full refund instead, and the
 *   settlement step log records exactly which profile updates landed.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/skillbridge/payment-service/internal/domain"
)

// enroll applies the purchased courses to both peer services and records
// each step in the settlement log. Returns the first error encountered; the
// caller decides how to compensate.
func (s *Service) enroll(ctx context.Context, tx *domain.Transaction) error {
	if err := s.courses.Enroll(ctx, tx.CourseIDs, tx.UserID); err != nil {
		return fmt.Errorf("course enrollment failed: %w", err)
	}
	s.recordStep(ctx, tx.ID, domain.StepCourseEnrolled, strings.Join(tx.CourseIDs, ","))

	for _, courseID := range tx.CourseIDs {
		if err := s.profiles.AddCourse(ctx, tx.UserID, courseID); err != nil {
			return fmt.Errorf("profile update failed for course %s: %w", courseID, err)
		}
		s.recordStep(ctx, tx.ID, domain.StepProfileUpdated, courseID)
	}
	return nil
}

// unenroll reverses enrollment after a refund. Strictly best-effort: every
// failure is logged and skipped so a flaky peer cannot block the refund from
// being recorded.
func (s *Service) unenroll(ctx context.Context, tx *domain.Transaction) {
	if err := s.courses.Unenroll(ctx, tx.CourseIDs, tx.UserID); err != nil {
		log.Printf("level=warn component=settlement msg=\"course unenroll failed after refund\" transaction_id=%s user_id=%s err=%v",
			tx.ID, tx.UserID, err)
	}
	for _, courseID := range tx.CourseIDs {
		if err := s.profiles.RemoveCourse(ctx, tx.UserID, courseID); err != nil {
			log.Printf("level=warn component=settlement msg=\"profile cleanup failed after refund\" transaction_id=%s course_id=%s err=%v",
				tx.ID, courseID, err)
		}
	}
}
