package model

import (
	"math"
	"strings"
	"time"
)

// CapacityNode carries the counters shared by every level of the catalog
// tree. A nil CapacityMax means the node imposes no ceiling of its own and
// inherits only whatever its ancestors enforce.
type CapacityNode struct {
	CapacityMax  *int
	CapacityUsed int
	Expires      *time.Time
}

// CapacityHolder is implemented by ProductGroup, Product and PriceTier so
// capacity checks can walk the tree without caring which level they start
// at.
type CapacityHolder interface {
	Capacity() *CapacityNode
	ParentNode() CapacityHolder
}

// Remaining returns the capacity left at this node alone, or +inf when the
// node has no ceiling.
func Remaining(n CapacityHolder) float64 {
	c := n.Capacity()
	if c.CapacityMax == nil {
		return math.Inf(1)
	}
	return float64(*c.CapacityMax - c.CapacityUsed)
}

// TotalRemaining returns the capacity left at this node and every ancestor.
// The binding ceiling is the minimum along the chain.
func TotalRemaining(n CapacityHolder) float64 {
	remaining := Remaining(n)
	if p := n.ParentNode(); p != nil {
		if pr := TotalRemaining(p); pr < remaining {
			remaining = pr
		}
	}
	return remaining
}

// HasExpired reports whether the node, or any of its ancestors, is past its
// expiry. An expired ancestor expires every descendant.
func HasExpired(n CapacityHolder, now time.Time) bool {
	if p := n.ParentNode(); p != nil && HasExpired(p, now) {
		return true
	}
	c := n.Capacity()
	return c.Expires != nil && c.Expires.Before(now)
}

// Issue consumes count units of capacity at the node and every ancestor.
// Counters cascade up instead of carving out allocations, so a rush on one
// tier contends on the shared ancestors; callers must hold row locks on the
// whole chain (see the repository layer).
func Issue(n CapacityHolder, count int, now time.Time) error {
	if count < 1 {
		return ErrOutOfCapacity
	}
	if float64(count) > TotalRemaining(n) {
		return ErrOutOfCapacity
	}
	if HasExpired(n, now) {
		return ErrExpired
	}
	for node := n; node != nil; node = node.ParentNode() {
		node.Capacity().CapacityUsed += count
	}
	return nil
}

// Return reintroduces previously used capacity at the node and every
// ancestor. Counters never go below zero.
func Return(n CapacityHolder, count int) {
	for node := n; node != nil; node = node.ParentNode() {
		c := node.Capacity()
		c.CapacityUsed -= count
		if c.CapacityUsed < 0 {
			c.CapacityUsed = 0
		}
	}
}

// ProductGroup is an interior node of the catalog tree. Capacity and
// attributes on a group cascade down to the products within it.
type ProductGroup struct {
	ID         int64
	Name       string
	Type       string
	Parent     *ProductGroup
	Node       CapacityNode
	Attributes map[string]any

	Children []*ProductGroup
	Products []*Product
}

func (g *ProductGroup) Capacity() *CapacityNode { return &g.Node }

func (g *ProductGroup) ParentNode() CapacityHolder {
	if g.Parent == nil {
		return nil
	}
	return g.Parent
}

// Attribute looks up an inherited attribute, walking the parent chain until
// a group defines it. Returns nil when no ancestor has the attribute.
func (g *ProductGroup) Attribute(name string) any {
	for node := g; node != nil; node = node.Parent {
		if v, ok := node.Attributes[name]; ok {
			return v
		}
	}
	return nil
}

// RootType returns the type tag of the root of this group's chain. Products
// inherit their behaviour (ticket, merchandise, ...) from it.
func (g *ProductGroup) RootType() string {
	node := g
	for node.Parent != nil {
		node = node.Parent
	}
	return node.Type
}

// Product is a leaf sellable item under a ProductGroup.
type Product struct {
	ID          int64
	Group       *ProductGroup
	Name        string
	DisplayName string
	Description string
	Node        CapacityNode
	Attributes  map[string]any

	Tiers []*PriceTier
}

func (p *Product) Capacity() *CapacityNode { return &p.Node }

func (p *Product) ParentNode() CapacityHolder {
	if p.Group == nil {
		return nil
	}
	return p.Group
}

// Attribute looks up an inherited attribute on the product, falling back to
// the group chain.
func (p *Product) Attribute(name string) any {
	if v, ok := p.Attributes[name]; ok {
		return v
	}
	if p.Group != nil {
		return p.Group.Attribute(name)
	}
	return nil
}

func attrBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// IsTransferable reports whether paid purchases of this product may change
// owner.
func (p *Product) IsTransferable() bool { return attrBool(p.Attribute("is_transferable")) }

// IsRedeemable reports whether purchases of this product can be redeemed
// (checked in / goods issued).
func (p *Product) IsRedeemable() bool { return attrBool(p.Attribute("is_redeemable")) }

// IsAdultTicket reports whether this product counts against a voucher's
// adult ticket allowance. Under-18 tickets count because 16-18 year olds may
// attend without an adult.
func (p *Product) IsAdultTicket() bool {
	if p.Group == nil || p.Group.RootType() != "admissions" {
		return false
	}
	return strings.HasPrefix(p.Name, "full") ||
		strings.HasPrefix(p.Name, "u18") ||
		strings.HasPrefix(p.Name, "day")
}

// PriceTier is a pricing level for a product. Only one tier is active per
// product at a time; tiers expire rather than reprice, because Prices are
// immutable.
type PriceTier struct {
	ID            int64
	Product       *Product
	Name          string
	PersonalLimit int
	Active        bool
	VATRate       *float64
	Node          CapacityNode

	Prices []*Price
}

func (t *PriceTier) Capacity() *CapacityNode { return &t.Node }

func (t *PriceTier) ParentNode() CapacityHolder {
	if t.Product == nil {
		return nil
	}
	return t.Product
}

// GetPrice returns the tier's price in the given currency, or nil if none
// has been written.
func (t *PriceTier) GetPrice(currency Currency) *Price {
	for _, p := range t.Prices {
		if p.Currency == currency {
			return p
		}
	}
	return nil
}

// UserLimit is the number of purchases a single buyer may still make on
// this tier: the personal limit capped by whatever capacity remains. An
// expired tier sells nothing.
func (t *PriceTier) UserLimit(now time.Time) int {
	if HasExpired(t, now) {
		return 0
	}
	remaining := TotalRemaining(t)
	if float64(t.PersonalLimit) <= remaining {
		return t.PersonalLimit
	}
	return int(remaining)
}

// Price is the value of a tier in one currency, in integer minor units.
// Prices are immutable once written; expire the tier instead of editing.
type Price struct {
	ID       int64
	Tier     *PriceTier
	Currency Currency
	Value    Money
}

// ValueExVAT returns the price excluding VAT, still in minor units. Tiers
// without a VAT rate are returned unchanged.
func (p *Price) ValueExVAT() Money {
	if p.Tier == nil || p.Tier.VATRate == nil {
		return p.Value
	}
	return Money(math.Round(float64(p.Value) / (1 + *p.Tier.VATRate)))
}

// ProductView is a selection of products shown together for sale. Views can
// be locked behind vouchers.
type ProductView struct {
	ID           int64
	Name         string
	Type         string
	VouchersOnly bool

	Products []*Product
}
