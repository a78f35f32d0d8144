package client

// Step represents the current step of a verification task as reported by
// the upstream service.
type Step string

const (
	// StepPending indicates the verification is still being processed.
	StepPending Step = "pending"

	// StepSuccess indicates the verification completed successfully.
	StepSuccess Step = "success"

	// StepError indicates the verification failed.
	StepError Step = "error"

	// StepCancelled indicates the verification was cancelled.
	StepCancelled Step = "cancelled"

	// StepUnknown is the mapping for absent or unrecognized upstream values.
	StepUnknown Step = "unknown"
)

// Terminal reports whether no further transitions can occur from this step.
func (s Step) Terminal() bool {
	switch s {
	case StepSuccess, StepError, StepCancelled:
		return true
	default:
		return false
	}
}

// stepFromWire maps an upstream currentStep value to a Step. Absent or
// unrecognized values map to fallback, never to an error.
func stepFromWire(s string, fallback Step) Step {
	switch Step(s) {
	case StepPending, StepSuccess, StepError, StepCancelled:
		return Step(s)
	default:
		return fallback
	}
}

// VerificationResult is one status record for a verification task.
// CheckToken, when present, is the single-use continuation token that must
// be presented on the next status check; the token returned by a check
// replaces the one used for it.
type VerificationResult struct {
	VerificationID string
	Step           Step
	Message        string
	CheckToken     string
}

// CancelResult is the outcome of a cancel request.
type CancelResult struct {
	VerificationID   string
	Step             Step
	Message          string
	AlreadyCancelled bool
}

// Wire types matching the upstream JSON field names.

type batchRequest struct {
	VerificationIDs []string `json:"verificationIds"`
	HCaptchaToken   string   `json:"hCaptchaToken"`
	UseLucky        bool     `json:"useLucky"`
	ProgramID       string   `json:"programId"`
}

type statusRequest struct {
	CheckToken string `json:"checkToken"`
}

type cancelRequest struct {
	VerificationID string `json:"verificationId"`
}

type wireResult struct {
	VerificationID   string `json:"verificationId"`
	CurrentStep      string `json:"currentStep"`
	Message          string `json:"message"`
	CheckToken       string `json:"checkToken"`
	AlreadyCancelled bool   `json:"alreadyCancelled"`
}
