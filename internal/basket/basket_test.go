package basket

import (
	"testing"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// testTier builds a minimal admissions tree with one tier priced in GBP
// and EUR.
func testTier(id int64, name string, gbp, eur model.Money) *model.PriceTier {
	group := &model.ProductGroup{
		Name: "admissions",
		Type: "admissions",
	}
	product := &model.Product{
		Name:  name,
		Group: group,
	}
	tier := &model.PriceTier{
		ID:            id,
		Name:          name + "-std",
		Product:       product,
		PersonalLimit: 10,
		Active:        true,
	}
	product.Tiers = []*model.PriceTier{tier}
	tier.Prices = []*model.Price{
		{Tier: tier, Currency: model.GBP, Value: gbp},
		{Tier: tier, Currency: model.EUR, Value: eur},
	}
	return tier
}

func reserve(t *testing.T, b *Basket, tier *model.PriceTier, n int) {
	t.Helper()
	l := &Line{Tier: tier, Count: n}
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		p := model.NewPurchase(tier.GetPrice(b.Currency), b.UserID, now)
		p.ID = int64(i + 1)
		l.Purchases = append(l.Purchases, p)
	}
	b.Lines = append(b.Lines, l)
}

func TestBasketSetGetDelete(t *testing.T) {
	full := testTier(1, "full", 11500, 13500)
	day := testTier(2, "day", 2500, 3000)
	b := New(nil, model.GBP)

	b.Set(full, 2)
	b.Set(day, 1)
	if got := b.Get(full); got != 2 {
		t.Fatalf("Get(full) = %d, want 2", got)
	}
	b.Set(full, 3)
	if got := b.Get(full); got != 3 {
		t.Fatalf("Get(full) after update = %d, want 3", got)
	}
	if len(b.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(b.Lines))
	}
	b.Delete(day)
	if got := b.Get(day); got != 0 {
		t.Fatalf("Get(day) after delete = %d, want 0", got)
	}
}

func TestBasketTotal(t *testing.T) {
	full := testTier(1, "full", 11500, 13500)
	day := testTier(2, "day", 2500, 3000)

	tests := []struct {
		name     string
		currency model.Currency
		fullN    int
		dayN     int
		want     model.Money
	}{
		{"two full gbp", model.GBP, 2, 0, 23000},
		{"mixed gbp", model.GBP, 1, 2, 16500},
		{"two full eur", model.EUR, 2, 0, 27000},
		{"empty", model.GBP, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(nil, tt.currency)
			b.Set(full, tt.fullN)
			b.Set(day, tt.dayN)
			got, err := b.Total()
			if err != nil {
				t.Fatalf("Total: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Total = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBasketTotalMissingPrice(t *testing.T) {
	tier := testTier(1, "full", 11500, 13500)
	tier.Prices = tier.Prices[:1] // GBP only
	b := New(nil, model.EUR)
	b.Set(tier, 1)
	if _, err := b.Total(); err == nil {
		t.Fatal("Total with missing EUR price should fail")
	}
}

func TestBasketSurplus(t *testing.T) {
	tier := testTier(1, "full", 11500, 13500)
	b := New(nil, model.GBP)
	reserve(t, b, tier, 3)

	if got := b.Surplus(); len(got) != 0 {
		t.Fatalf("surplus with count == reserved = %d, want 0", len(got))
	}
	b.Set(tier, 1)
	if got := b.Surplus(); len(got) != 2 {
		t.Fatalf("surplus after reducing count = %d, want 2", len(got))
	}
	if got := len(b.Reservation()); got != 1 {
		t.Fatalf("reservation = %d, want 1", got)
	}
}

func TestBasketAdultTickets(t *testing.T) {
	full := testTier(1, "full", 11500, 13500)
	u18 := testTier(2, "u18", 5000, 6000)
	tee := testTier(3, "t-shirt", 1000, 1200)
	tee.Product.Group.Type = "merchandise"

	b := New(nil, model.GBP)
	b.Set(full, 2)
	b.Set(u18, 1)
	b.Set(tee, 4)
	if got := b.AdultTickets(); got != 3 {
		t.Fatalf("AdultTickets = %d, want 3", got)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	tier := testTier(1, "full", 11500, 13500)
	b := New(nil, model.EUR)
	reserve(t, b, tier, 2)

	s := SessionFromBasket(b)
	token, err := EncodeSession("test-secret", s)
	if err != nil {
		t.Fatalf("EncodeSession: %v", err)
	}
	got, err := DecodeSession("test-secret", token)
	if err != nil {
		t.Fatalf("DecodeSession: %v", err)
	}
	if got.Currency != model.EUR {
		t.Fatalf("currency = %s, want EUR", got.Currency)
	}
	if len(got.PurchaseIDs) != 2 || got.PurchaseIDs[0] != 1 || got.PurchaseIDs[1] != 2 {
		t.Fatalf("purchase ids = %v, want [1 2]", got.PurchaseIDs)
	}
}

func TestSessionRejectsTampering(t *testing.T) {
	s := Session{PurchaseIDs: []int64{1}, Currency: model.GBP}
	token, err := EncodeSession("secret-a", s)
	if err != nil {
		t.Fatalf("EncodeSession: %v", err)
	}
	if _, err := DecodeSession("secret-b", token); err == nil {
		t.Fatal("token signed with another secret should not verify")
	}
	if _, err := DecodeSession("secret-a", token+"x"); err == nil {
		t.Fatal("mangled token should not verify")
	}
}
