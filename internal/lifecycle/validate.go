// Package lifecycle implements the §4.5 TaskLifecycle operations:
// create, defineTask, scheduleTask, rerunTask, cancelTask, and the three
// report* terminal transitions.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskqueue/engine/internal/model"
	"github.com/taskqueue/engine/internal/taskerr"
)

// ValidationError reports one failed field check, generalized from
// api-gateway/request_validator.go's ValidationError/Schema idiom —
// kept as a flat field/message pair rather than that file's generic
// JSON-schema engine, since a task definition's shape is fixed and known
// rather than an arbitrary payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

// validateScopes rejects any scope ending in "**" (§4.5(1)): a bare "**"
// suffix would let a scope satisfy every finer-grained pattern the
// external AuthChecker could ever be asked about.
func validateScopes(scopes []string) error {
	for _, s := range scopes {
		if strings.HasSuffix(s, "**") {
			return ValidationError{Field: "scopes", Message: fmt.Sprintf("scope %q must not end in \"**\"", s)}
		}
	}
	return nil
}

// validateTimestamps enforces §4.5(2)'s skew/ordering rules and fills in
// a default expires when omitted. now is passed in rather than read from
// time.Now() so tests can exercise the boundary exactly.
func validateTimestamps(def *model.TaskDefinition, now time.Time) error {
	skew := def.Created.Sub(now)
	if skew > model.CreatedSkew || skew < -model.CreatedSkew {
		return ValidationError{Field: "created", Message: "created is outside the allowed ±15 minute skew from server time"}
	}
	if !def.Deadline.After(now) {
		return ValidationError{Field: "deadline", Message: "deadline must be after now"}
	}
	if def.Deadline.Sub(def.Created) > model.MaxDeadlineHorizon {
		return ValidationError{Field: "deadline", Message: "deadline exceeds the maximum 5 day 15 minute horizon from created"}
	}
	if def.Expires.IsZero() {
		def.Expires = def.Deadline.Add(model.DefaultExpiresExtension)
	}
	if def.Expires.Before(def.Deadline) {
		return ValidationError{Field: "expires", Message: "expires must not be before deadline"}
	}
	return nil
}

// validatePriority rewrites the legacy "normal" alias to "lowest" and
// rejects unknown priority buckets (§4.5(3)).
func validatePriority(def *model.TaskDefinition) error {
	normalized, ok := model.NormalizePriority(def.Priority)
	if !ok {
		return ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", def.Priority)}
	}
	def.Priority = normalized
	return nil
}

// validateDefinition runs every §4.5(1-3) check against def, mutating it
// in place (priority rewrite, expires default) the way the spec's create
// path normalizes a definition before it is ever persisted. Returns an
// InputError wrapping the first failing check.
func validateDefinition(def *model.TaskDefinition, now time.Time) error {
	if err := validateScopes(def.Scopes); err != nil {
		return taskerr.Input("%v", err)
	}
	if err := validateTimestamps(def, now); err != nil {
		return taskerr.Input("%v", err)
	}
	if err := validatePriority(def); err != nil {
		return taskerr.Input("%v", err)
	}
	return nil
}

// definitionsEqual compares two task definitions field by field for the
// §4.5(8) idempotent-create-collision check. Payload is compared by byte
// content; the Metadata, Tags and Extra maps are compared via their JSON
// wire-serialized form (keys sorted), with a nil map equal to an empty one —
// this avoids a deep-equal dependency the teacher pack never imports for
// this purpose.
func definitionsEqual(a, b model.TaskDefinition) bool {
	for _, pair := range [][2]map[string]any{{a.Metadata, b.Metadata}, {a.Tags, b.Tags}, {a.Extra, b.Extra}} {
		if len(pair[0]) == 0 && len(pair[1]) == 0 {
			continue
		}
		ja, errA := json.Marshal(pair[0])
		jb, errB := json.Marshal(pair[1])
		if errA != nil || errB != nil || string(ja) != string(jb) {
			return false
		}
	}
	return a.ProvisionerID == b.ProvisionerID &&
		a.WorkerType == b.WorkerType &&
		a.SchedulerID == b.SchedulerID &&
		a.TaskGroupID == b.TaskGroupID &&
		a.Requires == b.Requires &&
		a.Priority == b.Priority &&
		a.Retries == b.Retries &&
		a.Created.Equal(b.Created) &&
		a.Deadline.Equal(b.Deadline) &&
		a.Expires.Equal(b.Expires) &&
		stringsEqual(a.Scopes, b.Scopes) &&
		stringsEqual(a.Routes, b.Routes) &&
		stringsEqual(a.Dependencies, b.Dependencies) &&
		string(a.Payload) == string(b.Payload)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
