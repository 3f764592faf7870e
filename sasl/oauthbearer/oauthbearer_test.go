package oauthbearer

import (
	"context"
	"strings"
	"testing"
)

func TestMechanismName(t *testing.T) {
	t.Parallel()

	m := Mechanism{}
	if m.Name() != "OAUTHBEARER" {
		t.Errorf("expected OAUTHBEARER, got %s", m.Name())
	}
}

func TestMechanismStartRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	m := Mechanism{}
	if _, _, err := m.Start(context.Background()); err == nil {
		t.Error("expected an error for an empty token")
	}
}

func TestMechanismStartReturnsItselfAsStateMachine(t *testing.T) {
	t.Parallel()

	m := Mechanism{Token: "test-token"}
	sm, response, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm != m {
		t.Error("expected Start to return the mechanism itself as the StateMachine")
	}
	if !strings.Contains(string(response), "auth=Bearer test-token") {
		t.Errorf("unexpected initial response: %q", response)
	}
}

func TestMechanismNextSuccess(t *testing.T) {
	t.Parallel()

	m := Mechanism{Token: "test-token"}
	done, response, err := m.Next(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Error("expected done=true when the server sends no challenge")
	}
	if response != nil {
		t.Errorf("expected a nil response, got %q", response)
	}
}

func TestMechanismNextRejectsChallenge(t *testing.T) {
	t.Parallel()

	m := Mechanism{Token: "test-token"}
	done, _, err := m.Next(context.Background(), []byte(`{"status":"invalid_token"}`))
	if done {
		t.Error("expected done=false on a rejected challenge")
	}
	if err == nil {
		t.Error("expected an error on a rejected challenge")
	}
}
