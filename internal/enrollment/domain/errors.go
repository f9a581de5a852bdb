package domain

import "github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"

// Error codes. Compare with errors.Is against the values below.
const (
	CodeStudentNotFound  = "STUDENT_NOT_FOUND"
	CodeStudentBlocked   = "STUDENT_BLOCKED"
	CodePeriodNotFound   = "PERIOD_NOT_FOUND"
	CodePeriodInactive   = "PERIOD_INACTIVE"
	CodeGroupNotFound    = "GROUP_NOT_FOUND"
	CodeNoCapacity       = "NO_CAPACITY"
	CodeScheduleConflict = "SCHEDULE_CONFLICT"
	CodeDuplicateSubject = "DUPLICATE_SUBJECT"
	CodeAlreadyEnrolled  = "ALREADY_ENROLLED"
	CodeInvalidRequest   = "INVALID_REQUEST"
)

var (
	ErrStudentNotFound  = &faults.DomainError{Code: CodeStudentNotFound}
	ErrStudentBlocked   = &faults.DomainError{Code: CodeStudentBlocked}
	ErrPeriodNotFound   = &faults.DomainError{Code: CodePeriodNotFound}
	ErrPeriodInactive   = &faults.DomainError{Code: CodePeriodInactive}
	ErrGroupNotFound    = &faults.DomainError{Code: CodeGroupNotFound}
	ErrNoCapacity       = &faults.DomainError{Code: CodeNoCapacity}
	ErrScheduleConflict = &faults.DomainError{Code: CodeScheduleConflict}
	ErrDuplicateSubject = &faults.DomainError{Code: CodeDuplicateSubject}
	ErrAlreadyEnrolled  = &faults.DomainError{Code: CodeAlreadyEnrolled}
	ErrInvalidRequest   = &faults.DomainError{Code: CodeInvalidRequest}
)

func StudentNotFound(requesterID string) error {
	return faults.Domain(CodeStudentNotFound, faults.ReasonInvalidRequester, "student %s does not exist", requesterID)
}

func StudentBlocked(requesterID string) error {
	return faults.Domain(CodeStudentBlocked, faults.ReasonInvalidRequester, "student %s is blocked from enrolling", requesterID)
}

func PeriodNotFound(periodID string) error {
	return faults.Domain(CodePeriodNotFound, faults.ReasonInvalidPeriod, "academic period %s does not exist", periodID)
}

func PeriodInactive(periodID string) error {
	return faults.Domain(CodePeriodInactive, faults.ReasonInvalidPeriod, "academic period %s is not open for enrollment", periodID)
}

func GroupNotFound(groupID string) error {
	return faults.Domain(CodeGroupNotFound, faults.ReasonGroupNotFound, "group %s does not exist", groupID)
}

func NoCapacity(groupID string) error {
	return faults.Domain(CodeNoCapacity, faults.ReasonNoCapacity, "group %s has no remaining capacity", groupID)
}

func ScheduleConflict(groupA, groupB string) error {
	return faults.Domain(CodeScheduleConflict, faults.ReasonScheduleConflict, "groups %s and %s meet at the same time", groupA, groupB)
}

func DuplicateSubject(subject, groupA, groupB string) error {
	return faults.Domain(CodeDuplicateSubject, faults.ReasonScheduleConflict, "groups %s and %s are both for subject %s", groupA, groupB, subject)
}

func AlreadyEnrolled(requesterID, groupID string) error {
	return faults.Domain(CodeAlreadyEnrolled, faults.ReasonDuplicateEnrollment, "student %s is already enrolled in group %s", requesterID, groupID)
}

func InvalidRequest(format string, args ...any) error {
	return faults.Domain(CodeInvalidRequest, faults.ReasonInvalidRequest, format, args...)
}
