package handlers

import (
	"regexp"
	"strconv"

	"emperror.dev/errors"
	"github.com/google/uuid"
)

// --- Regex patterns (compiled once) ---

var (
	reIdempotencyKey = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	rePhoneChars     = regexp.MustCompile(`^\+?[0-9 ()-]{3,32}$`)
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// --- Validator functions ---

// validateModuleID checks that id looks like a module id. Module ids are
// name-based UUIDs.
func validateModuleID(id string) error {
	if id == "" {
		return errors.New("module id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid module id")
	}
	return nil
}

// parseJobLimit reads the ?limit= query value: empty means the default,
// otherwise 1 to maxJobLimit.
func parseJobLimit(raw string) (int, error) {
	if raw == "" {
		return defaultJobLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxJobLimit {
		return 0, errors.Errorf("limit must be between 1 and %d", maxJobLimit)
	}
	return n, nil
}

// validateJobID checks that id looks like a job id.
func validateJobID(id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid job id")
	}
	return nil
}

// validateIdempotencyKey accepts an empty key (no idempotency) or a short
// token.
func validateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if !reIdempotencyKey.MatchString(key) {
		return errors.New("invalid Idempotency-Key (1-128 of A-Z a-z 0-9 . _ : -)")
	}
	return nil
}

// validateSendRequest catches obviously malformed requests before they
// become jobs. Number normalisation and the body budget are checked by
// the gateway.
func validateSendRequest(req SendSMSRequest) error {
	if req.PhoneNumber == "" {
		return errors.New("phone_number is required")
	}
	if !rePhoneChars.MatchString(req.PhoneNumber) {
		return errors.New("phone_number contains invalid characters")
	}
	if req.ModuleID != "" {
		if err := validateModuleID(req.ModuleID); err != nil {
			return err
		}
	}
	return nil
}
