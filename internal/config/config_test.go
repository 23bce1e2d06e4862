package config

import (
	"strings"
	"testing"
)

func TestValidateNamesEveryMissingVariable(t *testing.T) {
	err := Config{}.Validate()
	if err == nil {
		t.Fatal("expected an error for an empty config")
	}
	for _, want := range []string{"CLERK_WEBHOOK_SECRET", "CLERK_ISSUER_DOMAIN"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not name %s", err, want)
		}
	}
}

func TestValidatePassesWithWebhookConfig(t *testing.T) {
	cfg := Config{
		ClerkWebhookSecret: "whsec_abc",
		ClerkIssuerDomain:  "https://clerk.example.com",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
