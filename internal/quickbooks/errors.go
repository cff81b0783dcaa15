package quickbooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSession  = errors.New("quickbooks is not connected for this account")
	ErrZeroAmount = errors.New("invoice has no amount to post: total and line totals are zero")
	// ErrCounterpartyType reports a customer record on a payable invoice or
	// a vendor record on a receivable one.
	ErrCounterpartyType = errors.New("counterparty type does not match invoice type")
)

// AuthError reports a failed authorization-code exchange or token refresh.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("quickbooks %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError is a non-success answer from the accounting API with its fault
// unwrapped. Accounts carries the mapping in use so a rejected account id
// can be traced to its local role.
type APIError struct {
	Op       string
	Status   int
	Code     string
	Detail   string
	Accounts AccountMapping
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("quickbooks %s failed with status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("quickbooks %s failed with status %d (code %s): %s", e.Op, e.Status, e.Code, e.Detail)
}

// faultEnvelope matches both the "Fault"/"Error" shape of the accounting
// API and the lower-case "fault"/"error" shape of its auth errors, since
// field matching in encoding/json ignores case.
type faultEnvelope struct {
	Fault *struct {
		Type  string `json:"type"`
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
	} `json:"Fault"`
}

// parseFault extracts a code and detail from body. ok is false when body
// carries no fault.
func parseFault(body []byte) (code string, detail string, ok bool) {
	var env faultEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Fault == nil || len(env.Fault.Error) == 0 {
		return "", "", false
	}
	codes := make([]string, 0, len(env.Fault.Error))
	details := make([]string, 0, len(env.Fault.Error))
	for _, e := range env.Fault.Error {
		if e.Code != "" {
			codes = append(codes, e.Code)
		}
		msg := strings.TrimSpace(e.Detail)
		if msg == "" {
			msg = strings.TrimSpace(e.Message)
		}
		if msg != "" {
			details = append(details, msg)
		}
	}
	return strings.Join(codes, ","), strings.Join(details, "; "), true
}
