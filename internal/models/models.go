package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Price       int64     `db:"price" json:"price"`
	Quantity    int       `db:"quantity" json:"quantity"`
	Category    string    `db:"category" json:"category"`
	Type        string    `db:"type" json:"type"`
	Rating      float64   `db:"rating" json:"rating"`
	ReviewCount int       `db:"review_count" json:"review_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Cart is the working basket of a single customer
type Cart struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Lines     []CartLine `db:"-" json:"lines"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// CartLine is a product reference inside a cart, joined with live product data
type CartLine struct {
	ID          int64  `db:"id" json:"id"`
	CartID      int64  `db:"cart_id" json:"cart_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	Quantity    int    `db:"quantity" json:"quantity"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	UnitPrice   int64  `db:"price" json:"unit_price"`
}

// ShippingAddress is the destination captured at checkout
type ShippingAddress struct {
	Country    string `db:"ship_country" json:"ship_country"`
	City       string `db:"ship_city" json:"ship_city"`
	PostalCode string `db:"ship_postal_code" json:"ship_postal_code"`
	Address1   string `db:"ship_address1" json:"ship_address1"`
}

// Complete reports whether every shipping field is present
func (a ShippingAddress) Complete() bool {
	return a.Country != "" && a.City != "" && a.PostalCode != "" && a.Address1 != ""
}

// Order represents a customer order
type Order struct {
	ID            int64  `db:"id" json:"id"`
	UserID        int64  `db:"user_id" json:"user_id"`
	CustomerName  string `db:"customer_name" json:"customer_name"`
	CustomerPhone string `db:"customer_phone" json:"customer_phone"`
	ShippingAddress
	Currency        string        `db:"currency" json:"currency"`
	Amount          int64         `db:"amount" json:"amount"`
	PaymentStatus   PaymentStatus `db:"payment_status" json:"payment_status"`
	Status          OrderStatus   `db:"status" json:"status"`
	PaymentIntentID *string       `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	TrackingID      *string       `db:"tracking_id" json:"tracking_id,omitempty"`
	Carrier         string        `db:"carrier" json:"carrier,omitempty"`
	LabelBase64     *string       `db:"label_base64" json:"label_base64,omitempty"`
	IdempotencyKey  *string       `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem represents items in an order. Price, name and description are
// frozen at order creation and never re-read from the product.
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	Quantity    int    `db:"quantity" json:"quantity"`
	UnitPrice   int64  `db:"unit_price" json:"unit_price"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
}

// TrackingStatus is the carrier-reported state of a shipment
type TrackingStatus struct {
	TrackingID  string           `json:"tracking_id"`
	CarrierCode string           `json:"carrier_code"`
	Status      string           `json:"status"`
	Updates     []TrackingUpdate `json:"updates"`
}

// TrackingUpdate is one entry of a shipment's history
type TrackingUpdate struct {
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
	UpdateTime  time.Time `json:"update_time"`
}

// Tracking statuses
const (
	TrackingInTransit      = "in_transit"
	TrackingOutForDelivery = "out_for_delivery"
	TrackingDelivered      = "delivered"
	TrackingException      = "exception"
)
