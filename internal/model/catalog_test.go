package model

import (
	"testing"
	"time"
)

func intp(v int) *int { return &v }

// buildTree constructs admissions -> full -> full-std with the given
// capacities (nil = unlimited).
func buildTree(groupCap, productCap, tierCap *int) (*ProductGroup, *Product, *PriceTier) {
	group := &ProductGroup{
		Name:       "admissions",
		Type:       "admissions",
		Node:       CapacityNode{CapacityMax: groupCap},
		Attributes: map[string]any{"is_transferable": true, "is_redeemable": true},
	}
	product := &Product{
		Name:        "full",
		DisplayName: "Full Camp Ticket",
		Group:       group,
		Node:        CapacityNode{CapacityMax: productCap},
	}
	group.Products = append(group.Products, product)
	tier := &PriceTier{
		Name:          "full-std",
		Product:       product,
		PersonalLimit: 10,
		Active:        true,
		Node:          CapacityNode{CapacityMax: tierCap},
	}
	product.Tiers = append(product.Tiers, tier)
	tier.Prices = []*Price{
		{Tier: tier, Currency: GBP, Value: 11500},
		{Tier: tier, Currency: EUR, Value: 13500},
	}
	return group, product, tier
}

func TestTotalRemaining(t *testing.T) {
	tests := []struct {
		name                        string
		groupCap, productCap, tierCap *int
		want                        float64
	}{
		{"tier binds", intp(100), nil, intp(5), 5},
		{"group binds", intp(3), nil, intp(5), 3},
		{"unlimited everywhere", nil, nil, nil, 0}, // checked as inf below
		{"product binds", intp(100), intp(2), intp(5), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, tier := buildTree(tt.groupCap, tt.productCap, tt.tierCap)
			got := TotalRemaining(tier)
			if tt.groupCap == nil && tt.productCap == nil && tt.tierCap == nil {
				if !isInf(got) {
					t.Fatalf("TotalRemaining = %v, want +inf", got)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("TotalRemaining = %v, want %v", got, tt.want)
			}
		})
	}
}

func isInf(f float64) bool { return f > 1e18 }

func TestIssueCascadesToAncestors(t *testing.T) {
	group, product, tier := buildTree(intp(10), nil, intp(5))
	now := time.Now().UTC()

	if err := Issue(tier, 3, now); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, node := range []CapacityHolder{tier, product, group} {
		if used := node.Capacity().CapacityUsed; used != 3 {
			t.Fatalf("capacity_used = %d, want 3", used)
		}
	}

	// Tier has 2 left; asking for 3 must fail without touching counters.
	if err := Issue(tier, 3, now); err != ErrOutOfCapacity {
		t.Fatalf("Issue = %v, want ErrOutOfCapacity", err)
	}
	if tier.Node.CapacityUsed != 3 || group.Node.CapacityUsed != 3 {
		t.Fatal("failed issue must not change counters")
	}

	Return(tier, 2)
	if tier.Node.CapacityUsed != 1 || product.Node.CapacityUsed != 1 || group.Node.CapacityUsed != 1 {
		t.Fatal("Return must cascade to ancestors")
	}

	// capacity_used never goes negative.
	Return(tier, 10)
	if tier.Node.CapacityUsed != 0 || group.Node.CapacityUsed != 0 {
		t.Fatal("Return must clamp at zero")
	}
}

func TestIssueExpiredAncestor(t *testing.T) {
	group, _, tier := buildTree(intp(10), nil, intp(5))
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	group.Node.Expires = &past

	if err := Issue(tier, 1, now); err != ErrExpired {
		t.Fatalf("Issue = %v, want ErrExpired", err)
	}
	if !HasExpired(tier, now) {
		t.Fatal("expired ancestor must expire the tier")
	}
}

func TestAttributeInheritance(t *testing.T) {
	group, product, _ := buildTree(nil, nil, nil)
	sub := &ProductGroup{Name: "general", Type: "", Parent: group}

	if v := sub.Attribute("is_transferable"); v != true {
		t.Fatalf("Attribute = %v, want true from ancestor", v)
	}
	if v := sub.Attribute("missing"); v != nil {
		t.Fatalf("Attribute = %v, want nil", v)
	}
	if !product.IsTransferable() {
		t.Fatal("product must inherit is_transferable from its group")
	}

	// A local attribute shadows the inherited one.
	product.Attributes = map[string]any{"is_transferable": false}
	if product.IsTransferable() {
		t.Fatal("local attribute must win over the inherited one")
	}
}

func TestIsAdultTicket(t *testing.T) {
	group, product, _ := buildTree(nil, nil, nil)

	tests := []struct {
		name      string
		prodName  string
		groupType string
		want      bool
	}{
		{"full ticket", "full", "admissions", true},
		{"supporter ticket", "full-s", "admissions", true},
		{"under 18", "u18", "admissions", true},
		{"day ticket", "day-fri", "admissions", true},
		{"child", "u12", "admissions", false},
		{"parking", "full", "parking", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product.Name = tt.prodName
			group.Type = tt.groupType
			if got := product.IsAdultTicket(); got != tt.want {
				t.Fatalf("IsAdultTicket() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserLimit(t *testing.T) {
	_, _, tier := buildTree(nil, nil, intp(4))
	now := time.Now().UTC()

	if got := tier.UserLimit(now); got != 4 {
		t.Fatalf("UserLimit = %d, want 4 (capacity caps personal limit)", got)
	}
	tier.Node.CapacityMax = nil
	if got := tier.UserLimit(now); got != 10 {
		t.Fatalf("UserLimit = %d, want personal limit 10", got)
	}
	past := now.Add(-time.Minute)
	tier.Node.Expires = &past
	if got := tier.UserLimit(now); got != 0 {
		t.Fatalf("UserLimit = %d, want 0 for expired tier", got)
	}
}

func TestValueExVAT(t *testing.T) {
	_, _, tier := buildTree(nil, nil, nil)
	rate := 0.2
	tier.VATRate = &rate
	price := tier.GetPrice(GBP)

	// 11500 / 1.2 rounds to 9583.
	if got := price.ValueExVAT(); got != 9583 {
		t.Fatalf("ValueExVAT = %d, want 9583", got)
	}
	tier.VATRate = nil
	if got := price.ValueExVAT(); got != 11500 {
		t.Fatalf("ValueExVAT = %d, want unchanged 11500", got)
	}
}
