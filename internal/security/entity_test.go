package security

import (
	"testing"

	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	entities := []registry.Entity{
		{Name: "User", Qualified: "app.models.User", Queryable: true},
		{Name: "Order", Qualified: "app.models.Order"},
		{Name: "Secret", Qualified: "internal.Secret", Queryable: true},
	}
	for _, e := range entities {
		if err := reg.Register(e); err != nil {
			t.Fatalf("failed to register %s: %v", e.Name, err)
		}
	}
	return reg
}

func TestWhitelistEmptyDeniesEverything(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{Strategy: StrategyWhitelist})
	if _, err := v.Validate("User"); err == nil {
		t.Fatalf("empty whitelist must fail closed")
	} else if qerr.KindOf(err) != qerr.KindSecurity {
		t.Fatalf("expected security error, got %v", qerr.KindOf(err))
	}
}

func TestWhitelistMatchesShortQualifiedAndWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
	}{
		{"User", "User"},
		{"app.models.User", "User"},
		{"app.models.*", "Order"},
	}
	for _, tc := range cases {
		v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{
			Strategy:  StrategyWhitelist,
			Whitelist: []string{tc.pattern},
		})
		if _, err := v.Validate(tc.name); err != nil {
			t.Fatalf("pattern %q should admit %q: %v", tc.pattern, tc.name, err)
		}
	}
}

func TestWhitelistRejectsUnlistedEntity(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{
		Strategy:  StrategyWhitelist,
		Whitelist: []string{"app.models.*"},
	})
	if _, err := v.Validate("Secret"); err == nil {
		t.Fatalf("entity outside the whitelisted namespace must be rejected")
	}
}

func TestBlacklistEmptyAllowsEverything(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{Strategy: StrategyBlacklist})
	if _, err := v.Validate("User"); err != nil {
		t.Fatalf("empty blacklist should allow: %v", err)
	}
}

func TestBlacklistBlocksListedEntity(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{
		Strategy:  StrategyBlacklist,
		Blacklist: []string{"internal.*"},
	})
	if _, err := v.Validate("Secret"); err == nil {
		t.Fatalf("blacklisted namespace must be blocked")
	}
	if _, err := v.Validate("User"); err != nil {
		t.Fatalf("unlisted entity should pass: %v", err)
	}
}

func TestMarkerStrategyRequiresCapability(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{Strategy: StrategyMarker})
	if _, err := v.Validate("User"); err != nil {
		t.Fatalf("marked entity should pass: %v", err)
	}
	if _, err := v.Validate("Order"); err == nil {
		t.Fatalf("unmarked entity must be rejected")
	}
}

func TestValidateEmptyNameIsMalformed(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{Strategy: StrategyBlacklist})
	_, err := v.Validate("")
	if qerr.KindOf(err) != qerr.KindMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestValidateUnknownEntityIsNotFound(t *testing.T) {
	v := NewEntityValidator(testRegistry(t), EntityValidatorConfig{Strategy: StrategyBlacklist})
	_, err := v.Validate("Ghost")
	if qerr.KindOf(err) != qerr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServicePolicyEmptyDeniesEverything(t *testing.T) {
	p := ServicePolicy{}
	if err := p.Allowed("PaymentService", "app.services.PaymentService"); err == nil {
		t.Fatalf("empty service whitelist must deny")
	}
}

func TestServicePolicyWildcard(t *testing.T) {
	p := ServicePolicy{Whitelist: []string{"app.services.*"}}
	if err := p.Allowed("PaymentService", "app.services.PaymentService"); err != nil {
		t.Fatalf("wildcard should admit: %v", err)
	}
	if err := p.Allowed("AdminService", "internal.AdminService"); err == nil {
		t.Fatalf("service outside the namespace must be denied")
	}
}
