// Package apierr defines the error envelope shared by the Unified API, the
// Browser Service, and every internal component that needs to surface a
// typed, tagged failure across a process boundary.
package apierr

import "fmt"

// Code is a closed taxonomy of failure modes, see spec.md section 7.
type Code string

const (
	// Lifecycle
	CodeProfileBusy         Code = "PROFILE_BUSY"
	CodeBrowserLaunchFailed Code = "BROWSER_LAUNCH_FAILED"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeSessionCrashed      Code = "SESSION_CRASHED"

	// Transport
	CodeActionTimeout Code = "ACTION_TIMEOUT"
	CodeBusOverflow   Code = "BUS_OVERFLOW"

	// Matcher
	CodeContainerOutOfScope Code = "CONTAINER_OUT_OF_SCOPE"
	CodeContainerNoMatch    Code = "CONTAINER_NO_MATCH"

	// Operation
	CodeClickNoEffect    Code = "CLICK_NO_EFFECT"
	CodeTypeNoFocus      Code = "TYPE_NO_FOCUS"
	CodeExtractEmpty     Code = "EXTRACT_EMPTY"
	CodeScrollNoProgress Code = "SCROLL_NO_PROGRESS"

	// Workflow
	CodeValidationPreFailed  Code = "VALIDATION_PRE_FAILED"
	CodeValidationPostFailed Code = "VALIDATION_POST_FAILED"
	CodeCheckpointUnreachable Code = "CHECKPOINT_UNREACHABLE"
	CodeDependencyFailed     Code = "DEPENDENCY_FAILED"
	CodeSubscriptionOverflow Code = "SUBSCRIPTION_OVERFLOW"

	// Guards
	CodeLoginGuardDetected  Code = "LOGIN_GUARD_DETECTED"
	CodeRiskControlDetected Code = "RISK_CONTROL_DETECTED"
)

// Error is the single error type crossing every boundary in this module.
// It marshals directly to the {code, message, details} wire shape used by
// both the HTTP and WebSocket surfaces of the Unified API.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is(err, &Error{Code: X}) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func ProfileBusy(profileID string, ownerPid int) *Error {
	return New(CodeProfileBusy, fmt.Sprintf("profile %s is locked by pid %d", profileID, ownerPid),
		map[string]any{"profileId": profileID, "ownerPid": ownerPid})
}

func BrowserLaunchFailed(profileID string, cause error) *Error {
	return New(CodeBrowserLaunchFailed, fmt.Sprintf("failed to launch browser for %s: %v", profileID, cause),
		map[string]any{"profileId": profileID})
}

func SessionNotFound(profileID string) *Error {
	return New(CodeSessionNotFound, fmt.Sprintf("no session for profile %s", profileID),
		map[string]any{"profileId": profileID})
}

func SessionCrashed(profileID string, cause error) *Error {
	d := map[string]any{"profileId": profileID}
	msg := fmt.Sprintf("session %s crashed", profileID)
	if cause != nil {
		msg = fmt.Sprintf("session %s crashed: %v", profileID, cause)
	}
	return New(CodeSessionCrashed, msg, d)
}

func ActionTimeout(action string, timeoutMs int64) *Error {
	return New(CodeActionTimeout, fmt.Sprintf("action %s exceeded %dms", action, timeoutMs),
		map[string]any{"action": action, "timeoutMs": timeoutMs})
}

func BusOverflow(topic string) *Error {
	return New(CodeBusOverflow, fmt.Sprintf("bus overflow on topic %s", topic), map[string]any{"topic": topic})
}

func ContainerOutOfScope(containerID, url string) *Error {
	return New(CodeContainerOutOfScope, fmt.Sprintf("container %s does not match url %s", containerID, url),
		map[string]any{"containerId": containerID, "url": url})
}

func ContainerNoMatch(containerID string) *Error {
	return New(CodeContainerNoMatch, fmt.Sprintf("no selector variant matched for %s", containerID),
		map[string]any{"containerId": containerID})
}

func ClickNoEffect(containerID string) *Error {
	return New(CodeClickNoEffect, fmt.Sprintf("click on %s produced no observable effect", containerID),
		map[string]any{"containerId": containerID})
}

func TypeNoFocus() *Error {
	return New(CodeTypeNoFocus, "no element focused before type operation", nil)
}

func ExtractEmpty(containerID string) *Error {
	return New(CodeExtractEmpty, fmt.Sprintf("extract on %s produced zero rows", containerID),
		map[string]any{"containerId": containerID})
}

func ScrollNoProgress(containerID string) *Error {
	return New(CodeScrollNoProgress, fmt.Sprintf("scroll on %s made no progress", containerID),
		map[string]any{"containerId": containerID})
}

func ValidationPreFailed(blockID, reason string) *Error {
	return New(CodeValidationPreFailed, fmt.Sprintf("block %s pre-validation failed: %s", blockID, reason),
		map[string]any{"blockId": blockID, "reason": reason})
}

func ValidationPostFailed(blockID, reason string) *Error {
	return New(CodeValidationPostFailed, fmt.Sprintf("block %s post-validation failed: %s", blockID, reason),
		map[string]any{"blockId": blockID, "reason": reason})
}

func CheckpointUnreachable(target string, timeoutMs int64) *Error {
	return New(CodeCheckpointUnreachable, fmt.Sprintf("checkpoint %s unreachable after %dms", target, timeoutMs),
		map[string]any{"target": target, "timeoutMs": timeoutMs})
}

func DependencyFailed(blockID, dependsOn string) *Error {
	return New(CodeDependencyFailed, fmt.Sprintf("block %s depends on failed block %s", blockID, dependsOn),
		map[string]any{"blockId": blockID, "dependsOn": dependsOn})
}

func SubscriptionOverflow(topic string) *Error {
	return New(CodeSubscriptionOverflow, fmt.Sprintf("subscription buffer overflow on %s", topic),
		map[string]any{"topic": topic})
}

func LoginGuardDetected(checkpoint string) *Error {
	return New(CodeLoginGuardDetected, fmt.Sprintf("login guard detected at %s", checkpoint),
		map[string]any{"checkpoint": checkpoint})
}

func RiskControlDetected(checkpoint string) *Error {
	return New(CodeRiskControlDetected, fmt.Sprintf("risk control detected at %s", checkpoint),
		map[string]any{"checkpoint": checkpoint})
}
