package authz

import (
	"context"
	"testing"

	"github.com/taskqueue/engine/internal/taskerr"
)

func newChecker(t *testing.T) *OPAChecker {
	t.Helper()
	c, err := NewOPAChecker(context.Background(), "")
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	return c
}

func TestCheckScopesEmptyRequiredAlwaysAllowed(t *testing.T) {
	c := newChecker(t)
	if err := c.CheckScopes(context.Background(), nil, nil); err != nil {
		t.Fatalf("expected no scopes to be trivially allowed, got %v", err)
	}
}

func TestCheckScopesExactMatch(t *testing.T) {
	c := newChecker(t)
	err := c.CheckScopes(context.Background(),
		[]string{"queue:create-task:highest:aws-provisioner/build"},
		[]string{"queue:create-task:highest:aws-provisioner/build"})
	if err != nil {
		t.Fatalf("expected exact scope match to be allowed, got %v", err)
	}
}

func TestCheckScopesWildcardPrefix(t *testing.T) {
	c := newChecker(t)
	err := c.CheckScopes(context.Background(),
		[]string{"queue:create-task:*"},
		[]string{"queue:create-task:highest:aws-provisioner/build"})
	if err != nil {
		t.Fatalf("expected wildcard scope to satisfy required scope, got %v", err)
	}
}

func TestCheckScopesNoneSatisfiedIsUnauthorized(t *testing.T) {
	c := newChecker(t)
	err := c.CheckScopes(context.Background(),
		[]string{"queue:claim-task:*"},
		[]string{"queue:create-task:highest:aws-provisioner/build"})
	if !taskerr.Is(err, taskerr.KindAuthorization) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestCheckScopesAnyOfRequiredSatisfies(t *testing.T) {
	c := newChecker(t)
	err := c.CheckScopes(context.Background(),
		[]string{"queue:create-task:lowest:aws-provisioner/build"},
		[]string{
			"queue:create-task:highest:aws-provisioner/build",
			"queue:create-task:lowest:aws-provisioner/build",
		})
	if err != nil {
		t.Fatalf("expected a match on any one required scope to be allowed, got %v", err)
	}
}
